package middleware

import (
	"context"
	"strings"

	"ai-chat-sessions/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type contextKey string

const (
	// WorkspaceHeader selects the workspace of a request
	WorkspaceHeader = "X-Workspace-ID"
	// WorkspaceKey is the key for the workspace id in gin and request contexts
	WorkspaceKey contextKey = "workspace"
)

// Workspace stores the requested workspace id (or defaultID) on the request
// and scopes the request logger to it. Validation is left to the handlers.
func Workspace(defaultID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(WorkspaceHeader))
		if id == "" {
			id = defaultID
		}

		ctx := context.WithValue(c.Request.Context(), WorkspaceKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(WorkspaceKey), id)
		c.Set(logger.ContextKey, logger.FromContext(c).WithWorkspace(id))

		c.Next()
	}
}

// GetWorkspace returns the workspace id stored by Workspace
func GetWorkspace(c *gin.Context) string {
	return c.GetString(string(WorkspaceKey))
}

// WorkspaceFromContext extracts the workspace id from a request context
func WorkspaceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(WorkspaceKey).(string); ok {
		return id
	}
	return ""
}
