package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"ai-chat-sessions/backend/internal/repository"
	"ai-chat-sessions/backend/internal/service"
	"ai-chat-sessions/backend/pkg/errors"
	"ai-chat-sessions/backend/pkg/logger"
	"ai-chat-sessions/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Frames queued for the writer
	sendBuffer = 16
)

const (
	FrameResponse = "response"
	FrameError    = "error"
)

// Apology is sent instead of internal error detail when a turn fails
const Apology = "Sorry, something went wrong. Please try again."

// WorkspaceQuery selects the workspace for clients that cannot set headers
const WorkspaceQuery = "workspace"

// Conversation runs a chat turn against a session store
type Conversation interface {
	Respond(ctx context.Context, store service.SessionStore, sessionID, userText string) (string, error)
}

// Inbound is a client frame
type Inbound struct {
	Message string `json:"message"`
}

// Outbound is a server frame
type Outbound struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Content string `json:"content"`
}

// Handler upgrades chat connections for a session
type Handler struct {
	workspaces   *repository.Workspaces
	conversation Conversation
	log          *logger.Logger
	upgrader     websocket.Upgrader

	// pingPeriod must be less than pongWait
	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewHandler creates a WebSocket chat handler. An empty origin list or one
// containing "*" accepts any origin.
func NewHandler(workspaces *repository.Workspaces, conversation Conversation, allowedOrigins []string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.GetGlobal()
	}
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return &Handler{
		workspaces:   workspaces,
		conversation: conversation,
		log:          log,
		pongWait:     defaultPongWait,
		pingPeriod:   (defaultPongWait * 9) / 10,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// RegisterRoutes registers GET /ws/chat/:id
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/chat/:id", h.ServeChat)
}

// ServeChat upgrades the request and serves chat turns until the peer leaves
func (h *Handler) ServeChat(c *gin.Context) {
	workspace := middleware.GetWorkspace(c)
	if q := strings.TrimSpace(c.Query(WorkspaceQuery)); q != "" {
		workspace = q
	}

	store, err := h.workspaces.Store(workspace)
	if err != nil {
		_ = c.Error(errors.NewBadRequestError(errors.CodeValidation, "Invalid workspace id"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	client := &client{
		conn:      conn,
		send:      make(chan Outbound, sendBuffer),
		store:     store,
		sessionID: c.Param("id"),
		handler:   h,
		log:       &logger.Logger{Logger: logger.FromContext(c).With("session_id", c.Param("id"))},
	}

	h.log.Debug("websocket connected", "workspace", workspace, "session_id", client.sessionID)

	go client.writePump()
	client.readPump(ctx)
	cancel()
}

type client struct {
	conn      *websocket.Conn
	send      chan Outbound
	store     *repository.SessionStore
	sessionID string
	handler   *Handler
	log       *logger.Logger
}

// readPump handles one turn at a time and closes send when the peer goes away
func (c *client) readPump(ctx context.Context) {
	defer close(c.send)

	c.conn.SetReadLimit(maxMessageSize)
	pongWait := c.handler.pongWait
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.send <- Outbound{Type: FrameError, Code: errors.CodeBadRequest, Content: "Invalid message frame"}
			continue
		}

		c.send <- c.turn(ctx, in.Message)
		// pongs are not read while a turn runs
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *client) turn(ctx context.Context, text string) Outbound {
	reply, err := c.handler.conversation.Respond(ctx, c.store, c.sessionID, text)
	switch {
	case err == nil:
		return Outbound{Type: FrameResponse, Content: reply}
	case stderrors.Is(err, repository.ErrSessionNotFound):
		return Outbound{Type: FrameError, Code: errors.CodeSessionNotFound, Content: "Session not found"}
	case stderrors.Is(err, service.ErrEmptyMessage):
		return Outbound{Type: FrameError, Code: errors.CodeValidation, Content: "Message is required"}
	default:
		c.log.LogError(err, "websocket turn failed")
		return Outbound{Type: FrameError, Code: errors.CodeInternal, Content: Apology}
	}
}

// writePump is the only writer on the connection
func (c *client) writePump() {
	ticker := time.NewTicker(c.handler.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Warn("websocket write failed", "error", err)
				c.drain()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drain()
				return
			}
		}
	}
}

// drain closes the connection so the reader stops, then discards frames
// until send is closed
func (c *client) drain() {
	_ = c.conn.Close()
	for range c.send {
	}
}
