package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "ai-chat-sessions/backend/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	v, err := NewOpenAPIValidator()
	require.NoError(t, err)

	r := gin.New()
	r.Use(apperrors.ErrorHandler())
	r.Use(v.Middleware())
	r.POST("/api/chat/:id", func(c *gin.Context) {
		var body struct {
			Message string `json:"message"`
		}
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, gin.H{"response": "echo " + body.Message})
	})
	r.GET("/unlisted", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestMiddleware_ValidRequestKeepsBody(t *testing.T) {
	r := newEngine(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/abc", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"response":"echo hi"}`, w.Body.String())
}

func TestMiddleware_RejectsMissingField(t *testing.T) {
	r := newEngine(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/abc", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), apperrors.CodeValidation)
}

func TestMiddleware_SkipsUnlistedRoutes(t *testing.T) {
	r := newEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unlisted", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchemaIsValid(t *testing.T) {
	_, err := NewOpenAPIValidatorFromData(Schema())
	assert.NoError(t, err)

	_, err = NewOpenAPIValidatorFromData([]byte("openapi: 3.0.3\ninfo: {}\n"))
	assert.Error(t, err)
}
