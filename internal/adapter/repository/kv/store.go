// Package kv defines the ledger store contract: a tree of JSON values
// addressed by slash-separated paths, with atomic compare-and-retry updates
// and change subscriptions on a subtree. It also holds the typed
// repositories the processors use on top of it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("kv: path not found")
	// ErrConflict is returned when an atomic update kept losing to
	// concurrent writers and ran out of retries.
	ErrConflict    = errors.New("kv: too many concurrent modification conflicts")
	ErrInvalidPath = errors.New("kv: invalid path")
)

// DefaultMaxRetries bounds compare-and-retry attempts per update
const DefaultMaxRetries = 32

// UpdateFunc receives the current value (nil if absent) and returns the new
// one. Returning an error aborts the update without writing.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// TxFunc receives the current values of every requested path (nil entries
// for absent ones) and returns the values to write. Paths left out of the
// returned map are not touched.
type TxFunc func(current map[string]json.RawMessage) (map[string]json.RawMessage, error)

// Event is one change to a direct child of a subscribed path.
// Value is nil when the child was deleted.
type Event struct {
	Path  string
	Key   string
	Value json.RawMessage
}

// Store is the ledger store contract shared by all processors
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value json.RawMessage) error
	Delete(ctx context.Context, path string) error

	// Push stores value under a new chronologically ordered key of collection
	Push(ctx context.Context, collection string, value json.RawMessage) (string, error)

	// Children returns the direct children of path keyed by their last segment
	Children(ctx context.Context, path string) (map[string]json.RawMessage, error)

	// Update atomically replaces the value at path, retrying fn on conflicts
	Update(ctx context.Context, path string, fn UpdateFunc) (json.RawMessage, error)

	// Transact atomically updates several paths, retrying fn on conflicts
	Transact(ctx context.Context, paths []string, fn TxFunc) error

	// Subscribe emits the current children of path, then every change to them
	Subscribe(ctx context.Context, path string) (<-chan Event, error)

	Ping(ctx context.Context) error
	Close() error
}

// Join builds a path from segments
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent path and last segment of path
func Split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidatePath rejects empty paths and empty segments
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// NewKey returns a chronologically ordered key (UUIDv7) for Push and for
// records written inside a transaction
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return id.String(), nil
}
