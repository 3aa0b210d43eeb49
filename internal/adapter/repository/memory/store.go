// Package memory provides an in-process implementation of the ledger store.
// Updates are optimistic: fn runs without the lock and the write is
// committed only if none of the read paths changed in the meantime.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/simaogato/topup-engine/internal/adapter/repository/kv"
)

var ErrClosed = errors.New("memory: store closed")

type node struct {
	value   json.RawMessage
	version uint64
}

// Store is a versioned in-memory tree satisfying kv.Store
type Store struct {
	mu         sync.Mutex
	nodes      map[string]node
	seq        uint64
	subs       map[*subscription]struct{}
	maxRetries int
	done       chan struct{}
	closeOnce  sync.Once
}

var _ kv.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithMaxRetries overrides kv.DefaultMaxRetries
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		nodes:      make(map[string]node),
		subs:       make(map[*subscription]struct{}),
		maxRetries: kv.DefaultMaxRetries,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Store) check(path string) error {
	if s.closed() {
		return ErrClosed
	}
	return kv.ValidatePath(path)
}

// Get returns a copy of the value at path
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return clone(n.value), nil
}

// Set writes value at path unconditionally
func (s *Store) Set(ctx context.Context, path string, value json.RawMessage) error {
	if err := s.check(path); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("memory: invalid JSON for %s", path)
	}
	s.mu.Lock()
	s.publishLocked(s.writeLocked(map[string]json.RawMessage{path: value}))
	s.mu.Unlock()
	return nil
}

// Delete removes path; deleting an absent path is not an error
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.check(path); err != nil {
		return err
	}
	s.mu.Lock()
	s.publishLocked(s.writeLocked(map[string]json.RawMessage{path: nil}))
	s.mu.Unlock()
	return nil
}

// Push stores value under a new UUIDv7 key of collection
func (s *Store) Push(ctx context.Context, collection string, value json.RawMessage) (string, error) {
	id, err := kv.NewKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, kv.Join(collection, id), value); err != nil {
		return "", err
	}
	return id, nil
}

// Children returns a copy of every direct child of path
func (s *Store) Children(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(path), nil
}

func (s *Store) childrenLocked(path string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for p, n := range s.nodes {
		parent, key := kv.Split(p)
		if parent == path {
			out[key] = clone(n.value)
		}
	}
	return out
}

// Update applies fn to a single path with compare-and-retry
func (s *Store) Update(ctx context.Context, path string, fn kv.UpdateFunc) (json.RawMessage, error) {
	var result json.RawMessage
	err := s.Transact(ctx, []string{path}, func(cur map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		next, err := fn(cur[path])
		if err != nil {
			return nil, err
		}
		result = next
		return map[string]json.RawMessage{path: next}, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(result), nil
}

// Transact applies fn to several paths with compare-and-retry.
// A nil value in the returned map deletes that path.
func (s *Store) Transact(ctx context.Context, paths []string, fn kv.TxFunc) error {
	for _, p := range paths {
		if err := s.check(p); err != nil {
			return err
		}
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, versions := s.snapshot(paths)
		writes, err := fn(current)
		if err != nil {
			return err
		}
		for p, v := range writes {
			if !slices.Contains(paths, p) {
				return fmt.Errorf("memory: write to %s outside transaction paths", p)
			}
			if v != nil && !json.Valid(v) {
				return fmt.Errorf("memory: invalid JSON for %s", p)
			}
		}

		s.mu.Lock()
		if !s.unchangedLocked(versions) {
			s.mu.Unlock()
			continue
		}
		s.publishLocked(s.writeLocked(writes))
		s.mu.Unlock()
		return nil
	}
	return kv.ErrConflict
}

func (s *Store) snapshot(paths []string) (map[string]json.RawMessage, map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]json.RawMessage, len(paths))
	versions := make(map[string]uint64, len(paths))
	for _, p := range paths {
		n, ok := s.nodes[p]
		if ok {
			current[p] = clone(n.value)
		} else {
			current[p] = nil
		}
		versions[p] = n.version
	}
	return current, versions
}

func (s *Store) unchangedLocked(versions map[string]uint64) bool {
	for p, v := range versions {
		if s.nodes[p].version != v {
			return false
		}
	}
	return true
}

func (s *Store) writeLocked(writes map[string]json.RawMessage) []kv.Event {
	keys := make([]string, 0, len(writes))
	for p := range writes {
		keys = append(keys, p)
	}
	sort.Strings(keys)

	events := make([]kv.Event, 0, len(keys))
	for _, p := range keys {
		v := writes[p]
		if v == nil {
			if _, ok := s.nodes[p]; !ok {
				continue
			}
			delete(s.nodes, p)
		} else {
			s.seq++
			s.nodes[p] = node{value: clone(v), version: s.seq}
		}
		parent, key := kv.Split(p)
		events = append(events, kv.Event{Path: parent, Key: key, Value: clone(v)})
	}
	return events
}

// Ping reports whether the store is open
func (s *Store) Ping(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	return nil
}

// Close ends all subscriptions and rejects further calls
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Len returns the number of stored paths
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return bytes.Clone(v)
}
