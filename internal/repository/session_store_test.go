package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-chat-sessions/backend/internal/models"
	"ai-chat-sessions/backend/pkg/kv"
	"ai-chat-sessions/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) (*SessionStore, *kv.MemoryStore) {
	t.Helper()
	backend := kv.NewMemoryStore()
	store := NewSessionStore("test", backend, logger.Discard())
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	return store, backend
}

// failingStore fails Set for keys with the given suffix
type failingStore struct {
	*kv.MemoryStore
	suffix string
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.HasSuffix(key, f.suffix) {
		return errors.New("backend unavailable")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "  Trip planning ")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "Trip planning", session.Title)
	assert.Empty(t, session.Messages)
	assert.Equal(t, session.CreatedAt, session.UpdatedAt)

	fetched, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, session.ID, fetched.ID)
	assert.NotNil(t, fetched.Messages)
	assert.Empty(t, fetched.Messages)
	assert.True(t, fetched.CreatedAt.Equal(fetched.UpdatedAt))
}

func TestCreateSession_DefaultTitle(t *testing.T) {
	store, _ := newTestStore(t)

	session, err := store.CreateSession(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSessionTitle, session.Title)
}

func TestCreateSession_UniqueIDs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		session, err := store.CreateSession(ctx, "")
		require.NoError(t, err)
		assert.False(t, seen[session.ID], "duplicate id %s", session.ID)
		seen[session.ID] = true
	}
}

func TestCreateSession_RollsBackOnIndexFailure(t *testing.T) {
	ctx := context.Background()
	backend := &failingStore{MemoryStore: kv.NewMemoryStore(), suffix: ":sessions"}
	store := NewSessionStore("test", backend, logger.Discard())

	_, err := store.CreateSession(ctx, "doomed")
	require.Error(t, err)
	assert.Equal(t, 0, backend.Count())
}

func TestGetSession_Unknown(t *testing.T) {
	store, _ := newTestStore(t)

	session, err := store.GetSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestAppendMessage_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "Untitled")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, session.ID, models.RoleUser, "Hello")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, session.ID, models.RoleAssistant, "Hi there")
	require.NoError(t, err)

	history, err := store.GetHistory(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "Hello", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hi there", history[1].Content)
}

func TestAppendMessage_UpdatedAtNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	last := session.UpdatedAt
	for i := 0; i < 10; i++ {
		_, err := store.AppendMessage(ctx, session.ID, models.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)

		current, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, current.UpdatedAt.Before(last))
		assert.False(t, current.UpdatedAt.Before(current.CreatedAt))
		last = current.UpdatedAt
	}
}

func TestAppendMessage_ClockSkew(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	store.now = func() time.Time { return session.CreatedAt.Add(-time.Hour) }
	msg, err := store.AppendMessage(ctx, session.ID, models.RoleUser, "late")
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(session.CreatedAt))

	current, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, current.UpdatedAt.Equal(session.CreatedAt))
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)

	_, err := store.AppendMessage(ctx, "ghost", models.RoleUser, "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, backend.Count())
}

func TestAppendMessage_InvalidRole(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, session.ID, models.Role("system"), "x")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestAppendMessage_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore("test", kv.NewMemoryStore(), logger.Discard())

	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, session.ID, models.RoleUser, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := store.GetHistory(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, history, n)
}

func TestGetHistory_Unknown(t *testing.T) {
	store, _ := newTestStore(t)

	history, err := store.GetHistory(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestListSessions_SortedByUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first, err := store.CreateSession(ctx, "first")
	require.NoError(t, err)
	second, err := store.CreateSession(ctx, "second")
	require.NoError(t, err)
	third, err := store.CreateSession(ctx, "third")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, first.ID, models.RoleUser, "bump")
	require.NoError(t, err)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, third.ID, sessions[1].ID)
	assert.Equal(t, second.ID, sessions[2].ID)

	for i := 1; i < len(sessions); i++ {
		assert.False(t, sessions[i].UpdatedAt.After(sessions[i-1].UpdatedAt))
	}
}

func TestListSessions_SkipsDanglingIndexEntries(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)

	kept, err := store.CreateSession(ctx, "kept")
	require.NoError(t, err)
	lost, err := store.CreateSession(ctx, "lost")
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, store.sessionKey(lost.ID)))

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, kept.ID, sessions[0].ID)
}

func TestListSessions_Empty(t *testing.T) {
	store, _ := newTestStore(t)

	sessions, err := store.ListSessions(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	ok, err := store.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	fetched, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, fetched)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// a second delete is a no-op
	ok, err = store.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenameSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "old")
	require.NoError(t, err)

	ok, err := store.RenameSession(ctx, session.ID, "new")
	require.NoError(t, err)
	assert.True(t, ok)

	fetched, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", fetched.Title)
	assert.True(t, fetched.UpdatedAt.After(session.UpdatedAt))
}

func TestRenameSession_Unknown(t *testing.T) {
	store, backend := newTestStore(t)

	ok, err := store.RenameSession(context.Background(), "missing", "title")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Count())
}

func TestRenameSession_AfterDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	session, err := store.CreateSession(ctx, "doomed")
	require.NoError(t, err)
	ok, err := store.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.RenameSession(ctx, session.ID, "revived")
	require.NoError(t, err)
	assert.False(t, ok)

	fetched, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func TestWorkspaces_Isolation(t *testing.T) {
	ctx := context.Background()
	registry := NewWorkspaces(kv.NewMemoryStore(), logger.Discard())

	alpha, err := registry.Store("alpha")
	require.NoError(t, err)
	beta, err := registry.Store("beta")
	require.NoError(t, err)

	session, err := alpha.CreateSession(ctx, "a")
	require.NoError(t, err)

	fromBeta, err := beta.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, fromBeta)

	betaSessions, err := beta.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, betaSessions)

	again, err := registry.Store("alpha")
	require.NoError(t, err)
	assert.Same(t, alpha.locks, again.locks)
	fetched, err := again.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "a", fetched.Title)
}

func TestWorkspaces_ConcurrentHandlesShareLocks(t *testing.T) {
	ctx := context.Background()
	registry := NewWorkspaces(kv.NewMemoryStore(), logger.Discard())

	store, err := registry.Store("shared")
	require.NoError(t, err)
	session, err := store.CreateSession(ctx, "")
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := registry.Store("shared")
			if !assert.NoError(t, err) {
				return
			}
			_, err = handle.AppendMessage(ctx, session.ID, models.RoleUser, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := store.GetHistory(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, history, n)
	assert.Equal(t, 0, registry.locks.Len())
}

func TestWorkspaces_LocksReleasedForUnknownIDs(t *testing.T) {
	ctx := context.Background()
	registry := NewWorkspaces(kv.NewMemoryStore(), logger.Discard())

	store, err := registry.Store("default")
	require.NoError(t, err)
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("unknown-%d", i)
		_, err := store.DeleteSession(ctx, id)
		require.NoError(t, err)
		ok, err := store.RenameSession(ctx, id, "x")
		require.NoError(t, err)
		require.False(t, ok)
	}
	assert.Equal(t, 0, registry.locks.Len())

	for i := 0; i < 5000; i++ {
		ws, err := registry.Store(fmt.Sprintf("ws-%d", i))
		require.NoError(t, err)
		_, err = ws.DeleteSession(ctx, "gone")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, registry.locks.Len())
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()

	unlock := locks.Lock("a")
	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("a")
		close(acquired)
		release()
	}()

	unlockOther := locks.Lock("b")
	unlockOther()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, locks.Len())

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return locks.Len() == 0 }, time.Second, time.Millisecond)
}

func TestWorkspaces_InvalidID(t *testing.T) {
	registry := NewWorkspaces(kv.NewMemoryStore(), logger.Discard())

	for _, id := range []string{"", "has space", "slash/inside", strings.Repeat("x", 65)} {
		_, err := registry.Store(id)
		assert.ErrorIs(t, err, ErrInvalidWorkspace, id)
	}
}
