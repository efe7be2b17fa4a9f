package errors

import (
	"net/http"
	"runtime/debug"

	"ai-chat-sessions/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler returns a middleware that catches and formats application errors.
// Client errors keep their code and message; server errors are logged in full
// and answered with a generic body.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		appErr := FromError(err)
		log := logger.FromContext(c)

		if appErr.StatusCode >= http.StatusInternalServerError {
			log.Error("Request failed",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"status_code", appErr.StatusCode,
				"error", err.Error(),
			)
			appErr = NewInternalServerError(nil)
		} else {
			log.Warn("Request rejected",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"status_code", appErr.StatusCode,
				"error_code", appErr.Code,
				"message", appErr.Message,
			)
		}

		if c.Writer.Written() {
			return
		}

		body := gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if appErr.Details != nil {
			body["details"] = appErr.Details
		}
		c.AbortWithStatusJSON(appErr.StatusCode, gin.H{"error": body})
	}
}

// RecoveryWithLogger returns a middleware that recovers from any panics.
// The stack trace goes to the log only.
func RecoveryWithLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.FromContext(c).Error("Panic recovered",
					"error", r,
					"stack", string(debug.Stack()),
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"code":    CodeInternal,
						"message": internalMessage,
					},
				})
			}
		}()

		c.Next()
	}
}

// NoRoute answers unmatched routes with a JSON 404
func NoRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    CodeNotFound,
				"message": "Not found",
			},
		})
	}
}
