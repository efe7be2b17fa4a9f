package router

import (
	"net/http"

	"ai-chat-sessions/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

// AddOpenAPIValidation validates requests against the embedded OpenAPI
// document and serves it at /api/docs/openapi.yaml. It must run before
// SetupRoutes.
func (r *Router) AddOpenAPIValidation() {
	v, err := validator.NewOpenAPIValidator()
	if err != nil {
		r.Logger.Error("Failed to initialize OpenAPI validator", "error", err)
		return
	}

	r.Engine.Use(v.Middleware())
	r.Logger.Info("OpenAPI validation enabled")

	r.Engine.GET("/api/docs/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", validator.Schema())
	})
}
