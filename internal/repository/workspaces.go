package repository

import (
	"errors"
	"fmt"
	"regexp"

	"ai-chat-sessions/backend/pkg/kv"
	"ai-chat-sessions/backend/pkg/logger"
)

// ErrInvalidWorkspace is returned for workspace ids outside [A-Za-z0-9_-]{1,64}
var ErrInvalidWorkspace = errors.New("invalid workspace id")

var workspacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidWorkspace reports whether id can be used as a workspace id
func ValidWorkspace(id string) bool {
	return workspacePattern.MatchString(id)
}

// Workspaces hands out SessionStore handles over a shared backend. Handles
// are not cached; every handle shares one lock table keyed by backend key,
// so callers of the same workspace still serialize on the same sessions.
type Workspaces struct {
	backend kv.Store
	log     *logger.Logger
	locks   *keyedMutex
}

// NewWorkspaces creates a registry over a shared backend
func NewWorkspaces(backend kv.Store, log *logger.Logger) *Workspaces {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Workspaces{
		backend: backend,
		log:     log,
		locks:   newKeyedMutex(),
	}
}

// Store returns a store handle for workspace id
func (w *Workspaces) Store(id string) (*SessionStore, error) {
	if !ValidWorkspace(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkspace, id)
	}
	return newSessionStore(id, w.backend, w.log, w.locks), nil
}

// Backend exposes the shared KV backend, used by health checks
func (w *Workspaces) Backend() kv.Store {
	return w.backend
}
