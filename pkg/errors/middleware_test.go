package errors

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler())
	r.Use(RecoveryWithLogger())
	r.NoRoute(NoRoute())
	return r
}

func TestErrorHandler_ClientError(t *testing.T) {
	r := newTestEngine()
	r.GET("/bad", func(c *gin.Context) {
		_ = c.Error(NewBadRequestError(CodeValidation, "title is required"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bad", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":{"code":"VALIDATION_ERROR","message":"title is required"}}`, w.Body.String())
}

func TestErrorHandler_HidesInternalDetail(t *testing.T) {
	r := newTestEngine()
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(stderrors.New("redis: connection refused at 10.0.0.3"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "redis")
	assert.JSONEq(t, `{"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`, w.Body.String())
}

func TestRecoveryWithLogger(t *testing.T) {
	r := newTestEngine()
	r.GET("/panic", func(c *gin.Context) {
		panic("nil map write")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "nil map")
}

func TestNoRoute(t *testing.T) {
	r := newTestEngine()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/nope", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), CodeNotFound)
}

func TestFromError_Unwraps(t *testing.T) {
	cause := stderrors.New("disk full")
	appErr := NewInternalServerError(cause)

	assert.True(t, stderrors.Is(appErr, cause))
	assert.Equal(t, http.StatusInternalServerError, GetStatusCode(appErr))
	assert.Equal(t, http.StatusNotFound, GetStatusCode(NewNotFoundError(CodeNotFound, "x")))
	assert.True(t, Is(NewNotFoundError(CodeSessionNotFound, "a"), NewNotFoundError(CodeSessionNotFound, "b")))
}
