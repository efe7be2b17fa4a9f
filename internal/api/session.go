package api

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"ai-chat-sessions/backend/internal/models"
	"ai-chat-sessions/backend/internal/repository"
	"ai-chat-sessions/backend/internal/service"
	"ai-chat-sessions/backend/pkg/errors"
	"ai-chat-sessions/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Conversation runs a chat turn against a session store
type Conversation interface {
	Respond(ctx context.Context, store service.SessionStore, sessionID, userText string) (string, error)
}

// SessionController handles the session and chat endpoints
type SessionController struct {
	workspaces   *repository.Workspaces
	conversation Conversation
}

// NewSessionController creates a new session controller
func NewSessionController(workspaces *repository.Workspaces, conversation Conversation) *SessionController {
	return &SessionController{
		workspaces:   workspaces,
		conversation: conversation,
	}
}

type createSessionRequest struct {
	Title string `json:"title"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type renameRequest struct {
	Title string `json:"title"`
}

// RegisterRoutes registers the session routes under /api
func (sc *SessionController) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.POST("/session", sc.CreateSession)
		api.GET("/sessions", sc.ListSessions)
		api.GET("/session/:id", sc.GetSession)
		api.GET("/session/:id/messages", sc.GetMessages)
		api.DELETE("/session/:id/delete", sc.DeleteSession)
		api.PUT("/session/:id/title", sc.RenameSession)
		api.POST("/chat/:id", sc.Chat)
	}
}

// CreateSession creates a session; the body and its title are optional
func (sc *SessionController) CreateSession(c *gin.Context) {
	store, ok := sc.store(c)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !stderrors.Is(err, io.EOF) {
		_ = c.Error(errors.NewBadRequestError(errors.CodeBadRequest, "Invalid request body"))
		return
	}

	session, err := store.CreateSession(c.Request.Context(), req.Title)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// ListSessions returns all sessions, most recently updated first
func (sc *SessionController) ListSessions(c *gin.Context) {
	store, ok := sc.store(c)
	if !ok {
		return
	}

	sessions, err := store.ListSessions(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sessions)
}

// GetSession returns one session or 404
func (sc *SessionController) GetSession(c *gin.Context) {
	store, ok := sc.store(c)
	if !ok {
		return
	}

	session, err := store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if session == nil {
		_ = c.Error(sessionNotFound())
		return
	}

	c.JSON(http.StatusOK, session)
}

// GetMessages returns the history of a session, empty for unknown ids
func (sc *SessionController) GetMessages(c *gin.Context) {
	store, ok := sc.store(c)
	if !ok {
		return
	}

	messages, err := store.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	c.JSON(http.StatusOK, messages)
}

// DeleteSession removes a session; unknown ids succeed too
func (sc *SessionController) DeleteSession(c *gin.Context) {
	store, ok := sc.store(c)
	if !ok {
		return
	}

	deleted, err := store.DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": deleted})
}

// RenameSession updates the title; success is false for unknown sessions
func (sc *SessionController) RenameSession(c *gin.Context) {
	store, ok := sc.store(c)
	if !ok {
		return
	}

	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewBadRequestError(errors.CodeBadRequest, "Invalid request body"))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		_ = c.Error(errors.NewBadRequestError(errors.CodeValidation, "Title is required"))
		return
	}

	renamed, err := store.RenameSession(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": renamed})
}

// Chat runs one conversation turn and returns the assistant reply
func (sc *SessionController) Chat(c *gin.Context) {
	store, ok := sc.store(c)
	if !ok {
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewBadRequestError(errors.CodeBadRequest, "Invalid request body"))
		return
	}

	reply, err := sc.conversation.Respond(c.Request.Context(), store, c.Param("id"), req.Message)
	if err != nil {
		_ = c.Error(MapError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"response": reply})
}

// store resolves the workspace of the request
func (sc *SessionController) store(c *gin.Context) (*repository.SessionStore, bool) {
	store, err := sc.workspaces.Store(middleware.GetWorkspace(c))
	if err != nil {
		_ = c.Error(MapError(err))
		return nil, false
	}
	return store, true
}

// MapError turns domain errors into client errors; anything else stays
// internal
func MapError(err error) error {
	switch {
	case stderrors.Is(err, repository.ErrSessionNotFound):
		return sessionNotFound()
	case stderrors.Is(err, service.ErrEmptyMessage):
		return errors.NewBadRequestError(errors.CodeValidation, "Message is required")
	case stderrors.Is(err, repository.ErrInvalidWorkspace):
		return errors.NewBadRequestError(errors.CodeValidation, "Invalid workspace id")
	case stderrors.Is(err, repository.ErrInvalidRole):
		return errors.NewBadRequestError(errors.CodeValidation, "Invalid message role")
	}
	return err
}

func sessionNotFound() *errors.AppError {
	return errors.NewNotFoundError(errors.CodeSessionNotFound, "Session not found")
}
