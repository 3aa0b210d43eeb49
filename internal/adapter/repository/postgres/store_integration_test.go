//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/adapter/repository/kv"
)

// getDBConnectionString returns the test database connection string from
// the environment, or "" when integration tests should be skipped
func getDBConnectionString() string {
	if connStr := os.Getenv("TOPUP_TEST_DSN"); connStr != "" {
		return connStr
	}

	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv("DB_USER")
	if user == "" {
		user = "postgres"
	}
	password := os.Getenv("DB_PASSWORD")
	if password == "" {
		password = "postgres"
	}
	dbname := os.Getenv("DB_NAME")
	if dbname == "" {
		dbname = "ledger"
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
}

// setup connects to the test database and returns a store plus a root path
// unique to the calling test
func setup(t *testing.T) (*Store, string) {
	t.Helper()
	connStr := getDBConnectionString()
	if connStr == "" {
		t.Skip("TOPUP_TEST_DSN or DB_HOST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := NewDB(ctx, connStr)
	require.NoError(t, err)

	store := NewStore(db, zap.NewNop(), 1_000)
	store.pingInterval = time.Second
	root := "it" + strings.ReplaceAll(uuid.NewString(), "-", "")
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "DELETE FROM ledger_nodes WHERE path LIKE $1", root+"/%")
		store.Close()
	})
	return store, root
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store, root := setup(t)
	path := kv.Join(root, "accounts", "U1")

	_, err := store.Get(ctx, path)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Set(ctx, path, json.RawMessage(`{"balance":"10","name":"Alice"}`)))
	raw, err := store.Get(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":"10","name":"Alice"}`, string(raw))

	id, err := store.Push(ctx, kv.Join(root, "alerts"), json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	children, err := store.Children(ctx, kv.Join(root, "alerts"))
	require.NoError(t, err)
	require.Contains(t, children, id)

	require.NoError(t, store.Delete(ctx, path))
	_, err = store.Get(ctx, path)
	assert.ErrorIs(t, err, kv.ErrNotFound)
	require.NoError(t, store.Ping(ctx))
}

func TestStore_TransactConservesUnderContention(t *testing.T) {
	ctx := context.Background()
	store, root := setup(t)
	a, b := kv.Join(root, "balances", "a"), kv.Join(root, "balances", "b")
	require.NoError(t, store.Set(ctx, a, json.RawMessage(`50`)))
	require.NoError(t, store.Set(ctx, b, json.RawMessage(`50`)))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := a, b
			if i%2 == 0 {
				from, to = b, a
			}
			err := store.Transact(ctx, []string{from, to}, func(cur map[string]json.RawMessage) (map[string]json.RawMessage, error) {
				src, _ := strconv.Atoi(string(cur[from]))
				dst, _ := strconv.Atoi(string(cur[to]))
				return map[string]json.RawMessage{
					from: json.RawMessage(strconv.Itoa(src - 1)),
					to:   json.RawMessage(strconv.Itoa(dst + 1)),
				}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, p := range []string{a, b} {
		raw, err := store.Get(ctx, p)
		require.NoError(t, err)
		n, err := strconv.Atoi(string(raw))
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, 100, total)
}

func TestStore_TransactErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	store, root := setup(t)
	entry, account := kv.Join(root, "q", "1"), kv.Join(root, "accounts", "U1")
	require.NoError(t, store.Set(ctx, entry, json.RawMessage(`{}`)))

	sentinel := errors.New("rejected")
	err := store.Transact(ctx, []string{entry, account}, func(map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		return nil, sentinel
	})
	assert.Same(t, sentinel, err)

	err = store.Transact(ctx, []string{entry, account}, func(cur map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		assert.Nil(t, cur[account])
		return map[string]json.RawMessage{entry: nil, account: json.RawMessage(`{"balance":"1"}`)}, nil
	})
	require.NoError(t, err)
	_, err = store.Get(ctx, entry)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_Subscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, root := setup(t)
	orders := kv.Join(root, "orders")
	require.NoError(t, store.Set(ctx, kv.Join(orders, "o1"), json.RawMessage(`{"status":"submitted"}`)))

	events, err := store.Subscribe(ctx, orders)
	require.NoError(t, err)

	next := func() kv.Event {
		select {
		case ev := <-events:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return kv.Event{}
		}
	}

	first := next()
	assert.Equal(t, "o1", first.Key)

	require.NoError(t, store.Set(ctx, kv.Join(orders, "o2"), json.RawMessage(`{"status":"submitted"}`)))
	second := next()
	assert.Equal(t, "o2", second.Key)
	assert.JSONEq(t, `{"status":"submitted"}`, string(second.Value))

	require.NoError(t, store.Delete(ctx, kv.Join(orders, "o1")))
	deleted := next()
	assert.Equal(t, "o1", deleted.Key)
	assert.Nil(t, deleted.Value)
}
