package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/adapter/repository/kv"
)

// errRetry marks an attempt that lost a race and should run again
var errRetry = errors.New("postgres: concurrent modification")

// Store implements kv.Store on the ledger_nodes table.
// Atomic updates lock the touched rows in path order, so concurrent
// transactions over overlapping paths cannot deadlock on each other.
type Store struct {
	db           *DB
	logger       *zap.Logger
	maxRetries   int
	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
}

var _ kv.Store = (*Store)(nil)

// NewStore creates a new ledger store on db
func NewStore(db *DB, logger *zap.Logger, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = kv.DefaultMaxRetries
	}
	return &Store{
		db:           db,
		logger:       logger,
		maxRetries:   maxRetries,
		minReconnect: 100 * time.Millisecond,
		maxReconnect: 10 * time.Second,
		pingInterval: 90 * time.Second,
	}
}

// Get retrieves the value at path
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := kv.ValidatePath(path); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM ledger_nodes WHERE path = $1", path).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return value, nil
}

// Set writes value at path unconditionally
func (s *Store) Set(ctx context.Context, path string, value json.RawMessage) error {
	if err := kv.ValidatePath(path); err != nil {
		return err
	}
	parent, _ := kv.Split(path)

	query := `
		INSERT INTO ledger_nodes (path, parent, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE
		SET value = EXCLUDED.value, version = ledger_nodes.version + 1, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, path, parent, []byte(value)); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

// Delete removes the node at path
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := kv.ValidatePath(path); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM ledger_nodes WHERE path = $1", path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Push inserts value under a new UUIDv7 key of collection
func (s *Store) Push(ctx context.Context, collection string, value json.RawMessage) (string, error) {
	if err := kv.ValidatePath(collection); err != nil {
		return "", err
	}
	id, err := kv.NewKey()
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO ledger_nodes (path, parent, value) VALUES ($1, $2, $3)",
		kv.Join(collection, id), collection, []byte(value),
	)
	if err != nil {
		return "", fmt.Errorf("failed to push to %s: %w", collection, err)
	}
	return id, nil
}

// Children retrieves the direct children of path
func (s *Store) Children(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := kv.ValidatePath(path); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT path, value FROM ledger_nodes WHERE parent = $1 ORDER BY path", path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	defer rows.Close()

	children := make(map[string]json.RawMessage)
	for rows.Next() {
		var p string
		var value []byte
		if err := rows.Scan(&p, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s child: %w", path, err)
		}
		_, key := kv.Split(p)
		children[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", path, err)
	}
	return children, nil
}

// Update atomically replaces the value at path
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
	return result, nil
}

// Transact atomically updates paths, retrying on lost races, serialization
// failures and deadlocks. Errors from fn are returned unchanged.
func (s *Store) Transact(ctx context.Context, paths []string, fn kv.TxFunc) error {
	for _, p := range paths {
		if err := kv.ValidatePath(p); err != nil {
			return err
		}
	}
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.transactOnce(ctx, sorted, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}

		s.logger.Debug("retrying ledger transaction",
			zap.Strings("paths", sorted),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.IntN(10)+1) * time.Millisecond):
		}
	}
	return kv.ErrConflict
}

func (s *Store) transactOnce(ctx context.Context, paths []string, fn kv.TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT path, value FROM ledger_nodes WHERE path = ANY($1) ORDER BY path FOR UPDATE",
		pq.Array(paths),
	)
	if err != nil {
		return fmt.Errorf("failed to lock nodes: %w", err)
	}

	current := make(map[string]json.RawMessage, len(paths))
	for _, p := range paths {
		current[p] = nil
	}
	for rows.Next() {
		var p string
		var value []byte
		if err := rows.Scan(&p, &value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan node: %w", err)
		}
		current[p] = value
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read nodes: %w", err)
	}
	rows.Close()

	existed := make(map[string]bool, len(paths))
	for p, v := range current {
		existed[p] = v != nil
	}

	writes, err := fn(current)
	if err != nil {
		return err
	}

	for _, p := range paths {
		value, ok := writes[p]
		if !ok {
			continue
		}
		if err := writeNode(ctx, tx, p, value, existed[p]); err != nil {
			return err
		}
	}
	for p := range writes {
		if !slices.Contains(paths, p) {
			return fmt.Errorf("write to %s outside transaction paths", p)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func writeNode(ctx context.Context, tx *sql.Tx, path string, value json.RawMessage, existed bool) error {
	switch {
	case value == nil && existed:
		_, err := tx.ExecContext(ctx, "DELETE FROM ledger_nodes WHERE path = $1", path)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		return nil
	case value == nil:
		return nil
	case existed:
		_, err := tx.ExecContext(ctx,
			"UPDATE ledger_nodes SET value = $2, version = version + 1, updated_at = now() WHERE path = $1",
			path, []byte(value))
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", path, err)
		}
		return nil
	default:
		parent, _ := kv.Split(path)
		res, err := tx.ExecContext(ctx,
			"INSERT INTO ledger_nodes (path, parent, value) VALUES ($1, $2, $3) ON CONFLICT (path) DO NOTHING",
			path, parent, []byte(value))
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", path, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", path, err)
		}
		if n == 0 {
			// another transaction created the node after our read
			return errRetry
		}
		return nil
	}
}

// isRetryable reports lost races and PostgreSQL serialization failures
func isRetryable(err error) bool {
	if errors.Is(err, errRetry) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return true
		}
	}
	return false
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
