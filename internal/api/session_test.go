package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ai-chat-sessions/backend/ai"
	"ai-chat-sessions/backend/internal/models"
	"ai-chat-sessions/backend/internal/repository"
	"ai-chat-sessions/backend/internal/service"
	"ai-chat-sessions/backend/pkg/errors"
	"ai-chat-sessions/backend/pkg/kv"
	"ai-chat-sessions/backend/pkg/logger"
	"ai-chat-sessions/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	engine    *gin.Engine
	completer *stubCompleter
}

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(context.Context, ai.CompletionRequest) (string, error) {
	return s.reply, s.err
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	completer := &stubCompleter{reply: "Hi there"}
	conversation, err := service.NewConversationService(completer, service.Config{
		SystemPrompt:  "test",
		ContextWindow: 6,
		MaxTokens:     64,
		Temperature:   0.7,
	}, logger.Discard())
	require.NoError(t, err)

	workspaces := repository.NewWorkspaces(kv.NewMemoryStore(), logger.Discard())

	r := gin.New()
	r.Use(errors.ErrorHandler())
	r.Use(errors.RecoveryWithLogger())
	r.Use(middleware.Workspace("default"))
	NewSessionController(workspaces, conversation).RegisterRoutes(r)
	r.NoRoute(errors.NoRoute())

	return &testServer{engine: r, completer: completer}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/session", `{"title":"Trip"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[models.Session](t, w)
	assert.Equal(t, "Trip", created.Title)
	assert.Empty(t, created.Messages)

	w = s.do(t, http.MethodGet, "/api/session/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	fetched := decode[models.Session](t, w)
	assert.Equal(t, created.ID, fetched.ID)
	assert.True(t, fetched.CreatedAt.Equal(fetched.UpdatedAt))
}

func TestCreateSession_NoBody(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.DefaultSessionTitle, decode[models.Session](t, w).Title)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/session/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), errors.CodeSessionNotFound)
}

func TestChatFlow(t *testing.T) {
	s := newTestServer(t)

	id := decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", `{}`)).ID

	w := s.do(t, http.MethodPost, "/api/chat/"+id, `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"response":"Hi there"}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/session/"+id+"/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	messages := decode[[]models.Message](t, w)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestChat_Validation(t *testing.T) {
	s := newTestServer(t)
	id := decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", "")).ID

	w := s.do(t, http.MethodPost, "/api/chat/"+id, `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/chat/"+id, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/chat/unknown", `{"message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChat_CompletionFailureIsGeneric500(t *testing.T) {
	s := newTestServer(t)
	s.completer.err = stderrors.New("upstream token sk-secret rejected")
	id := decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", "")).ID

	w := s.do(t, http.MethodPost, "/api/chat/"+id, `{"message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-secret")
	assert.JSONEq(t, `{"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`, w.Body.String())
}

func TestGetMessages_UnknownSessionIsEmpty(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/session/nope/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestRenameSession(t *testing.T) {
	s := newTestServer(t)
	id := decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", "")).ID

	w := s.do(t, http.MethodPut, "/api/session/"+id+"/title", `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/session/missing/title", `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false}`, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/session/"+id+"/title", `{"title":" "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/session/"+id, "")
	assert.Equal(t, "Renamed", decode[models.Session](t, w).Title)
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t)
	id := decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", "")).ID

	w := s.do(t, http.MethodDelete, "/api/session/"+id+"/delete", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/session/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/sessions", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestListSessions_Order(t *testing.T) {
	s := newTestServer(t)
	first := decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", `{"title":"first"}`)).ID
	decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", `{"title":"second"}`))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat/"+first, `{"message":"bump"}`).Code)

	sessions := decode[[]models.Session](t, s.do(t, http.MethodGet, "/api/sessions", ""))
	require.Len(t, sessions, 2)
	for i := 1; i < len(sessions); i++ {
		assert.False(t, sessions[i].UpdatedAt.After(sessions[i-1].UpdatedAt))
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	s := newTestServer(t)

	id := decode[models.Session](t, s.do(t, http.MethodPost, "/api/session", "", middleware.WorkspaceHeader, "alpha")).ID

	w := s.do(t, http.MethodGet, "/api/session/"+id, "", middleware.WorkspaceHeader, "beta")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/session/"+id, "", middleware.WorkspaceHeader, "alpha")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/sessions", "", middleware.WorkspaceHeader, "bad workspace!")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
