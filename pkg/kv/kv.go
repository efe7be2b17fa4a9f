// Package kv defines the key-value backend that session data is persisted to.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat key-value namespace. Implementations must make a single
// Set or Delete visible atomically; no multi-key transactions are offered.
type Store interface {
	// Get returns the value stored under key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error
}
