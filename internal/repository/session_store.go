package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"ai-chat-sessions/backend/internal/models"
	"ai-chat-sessions/backend/pkg/kv"
	"ai-chat-sessions/backend/pkg/logger"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned by operations that cannot proceed
	// without an existing session
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRole is returned when appending a message with an unknown role
	ErrInvalidRole = errors.New("invalid message role")
)

// SessionStore owns the sessions of one workspace. Mutations of the same
// session are serialized by a lock on its record key and index mutations by
// a lock on the index key; a record and its index entry are always changed
// in one call. Handles sharing a lock table may be used interchangeably.
type SessionStore struct {
	workspace string
	backend   kv.Store
	log       *logger.Logger
	now       func() time.Time
	locks     *keyedMutex
}

// NewSessionStore creates a store handle for workspace over backend with
// its own lock table
func NewSessionStore(workspace string, backend kv.Store, log *logger.Logger) *SessionStore {
	return newSessionStore(workspace, backend, log, newKeyedMutex())
}

func newSessionStore(workspace string, backend kv.Store, log *logger.Logger, locks *keyedMutex) *SessionStore {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &SessionStore{
		workspace: workspace,
		backend:   backend,
		log:       log.WithWorkspace(workspace),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     locks,
	}
}

// Workspace returns the workspace id this store is bound to
func (s *SessionStore) Workspace() string {
	return s.workspace
}

func (s *SessionStore) sessionKey(id string) string {
	return fmt.Sprintf("chat:%s:session:%s", s.workspace, id)
}

func (s *SessionStore) indexKey() string {
	return fmt.Sprintf("chat:%s:sessions", s.workspace)
}

func (s *SessionStore) lockSession(id string) func() {
	return s.locks.Lock(s.sessionKey(id))
}

func (s *SessionStore) lockIndex() func() {
	return s.locks.Lock(s.indexKey())
}

// CreateSession stores a new empty session and prepends it to the index
func (s *SessionStore) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultSessionTitle
	}

	now := s.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.putSession(ctx, session); err != nil {
		return nil, err
	}

	unlockIndex := s.lockIndex()
	defer unlockIndex()

	index, err := s.readIndex(ctx)
	if err == nil {
		err = s.writeIndex(ctx, append([]string{session.ID}, index...))
	}
	if err != nil {
		if delErr := s.backend.Delete(ctx, s.sessionKey(session.ID)); delErr != nil {
			s.log.LogError(delErr, "Failed to roll back session record", "session_id", session.ID)
		}
		return nil, err
	}

	s.log.Debug("session created",
		"session_id", session.ID,
		"title", session.Title,
	)
	return session, nil
}

// GetSession returns the session or nil when it does not exist
func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.getSession(ctx, id)
}

// ListSessions returns every indexed session, most recently updated first.
// Index entries without a record are skipped.
func (s *SessionStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	unlockIndex := s.lockIndex()
	index, err := s.readIndex(ctx)
	unlockIndex()
	if err != nil {
		return nil, err
	}

	sessions := make([]*models.Session, 0, len(index))
	for _, id := range index {
		session, err := s.getSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			s.log.Warn("index entry has no session record", "session_id", id)
			continue
		}
		sessions = append(sessions, session)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	s.log.Debug("sessions listed", "count", len(sessions))
	return sessions, nil
}

// DeleteSession removes the record and its index entry. Deleting an unknown
// id succeeds.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	unlock := s.lockSession(id)
	defer unlock()

	if err := s.backend.Delete(ctx, s.sessionKey(id)); err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	unlockIndex := s.lockIndex()
	defer unlockIndex()

	index, err := s.readIndex(ctx)
	if err != nil {
		return false, err
	}
	if i := slices.Index(index, id); i >= 0 {
		if err := s.writeIndex(ctx, slices.Delete(index, i, i+1)); err != nil {
			return false, err
		}
	}

	s.log.Debug("session deleted", "session_id", id)
	return true, nil
}

// RenameSession updates the title. It reports false when the session does
// not exist.
func (s *SessionStore) RenameSession(ctx context.Context, id, title string) (bool, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}

	session.Title = strings.TrimSpace(title)
	session.Touch(s.now())

	if err := s.putSession(ctx, session); err != nil {
		return false, err
	}

	s.log.Debug("session renamed",
		"session_id", id,
		"title", session.Title,
	)
	return true, nil
}

// AppendMessage adds a message to the end of the session history. It never
// creates a session: unknown ids yield ErrSessionNotFound.
func (s *SessionStore) AppendMessage(ctx context.Context, id string, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	message := models.Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
	}
	message.Timestamp = session.Touch(s.now())
	session.Messages = append(session.Messages, message)

	if err := s.putSession(ctx, session); err != nil {
		return nil, err
	}

	s.log.Debug("message appended",
		"session_id", id,
		"message_id", message.ID,
		"role", string(role),
		"count", len(session.Messages),
	)
	return &message, nil
}

// GetHistory returns the messages of a session in insertion order; unknown
// sessions have an empty history
func (s *SessionStore) GetHistory(ctx context.Context, id string) ([]models.Message, error) {
	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return []models.Message{}, nil
	}
	return session.Messages, nil
}

func (s *SessionStore) getSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.backend.Get(ctx, s.sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if session.Messages == nil {
		session.Messages = []models.Message{}
	}
	return &session, nil
}

func (s *SessionStore) putSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}
	if err := s.backend.Set(ctx, s.sessionKey(session.ID), data); err != nil {
		return fmt.Errorf("failed to write session %s: %w", session.ID, err)
	}
	return nil
}

// readIndex must be called with the index lock held
func (s *SessionStore) readIndex(ctx context.Context) ([]string, error) {
	data, err := s.backend.Get(ctx, s.indexKey())
	if errors.Is(err, kv.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to decode session index: %w", err)
	}
	return index, nil
}

// writeIndex must be called with the index lock held
func (s *SessionStore) writeIndex(ctx context.Context, index []string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to encode session index: %w", err)
	}
	if err := s.backend.Set(ctx, s.indexKey(), data); err != nil {
		return fmt.Errorf("failed to write session index: %w", err)
	}
	return nil
}
