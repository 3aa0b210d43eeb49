package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/adapter/repository/kv"
)

// notifyChannel is the pg_notify channel raised by the ledger_nodes trigger
const notifyChannel = "ledger_changes"

type changePayload struct {
	Path   string `json:"path"`
	Parent string `json:"parent"`
	Op     string `json:"op"`
}

// Subscribe listens for trigger notifications on the children of path.
// The snapshot is re-emitted after every reconnect because notifications
// raised while disconnected are lost.
func (s *Store) Subscribe(ctx context.Context, path string) (<-chan kv.Event, error) {
	if err := kv.ValidatePath(path); err != nil {
		return nil, err
	}

	listener := pq.NewListener(s.db.connStr, s.minReconnect, s.maxReconnect,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
				s.logger.Warn("ledger listener disconnected", zap.String("path", path), zap.Error(err))
			case pq.ListenerEventReconnected:
				s.logger.Info("ledger listener reconnected", zap.String("path", path))
			}
		})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	out := make(chan kv.Event, 64)
	go s.forward(ctx, path, listener, out)
	return out, nil
}

func (s *Store) forward(ctx context.Context, path string, listener *pq.Listener, out chan<- kv.Event) {
	defer close(out)
	defer listener.Close()

	if !s.emitSnapshot(ctx, path, out) {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warn("ledger listener ping failed", zap.Error(err))
				}
			}()
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				if !s.emitSnapshot(ctx, path, out) {
					return
				}
				continue
			}

			var change changePayload
			if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
				s.logger.Warn("ignoring malformed ledger notification", zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			if change.Parent != path {
				continue
			}

			ev, err := s.eventFor(ctx, change)
			if err != nil {
				s.logger.Error("failed to load changed ledger node", zap.String("path", change.Path), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Store) eventFor(ctx context.Context, change changePayload) (kv.Event, error) {
	_, key := kv.Split(change.Path)
	ev := kv.Event{Path: change.Parent, Key: key}
	if change.Op == "DELETE" {
		return ev, nil
	}

	value, err := s.Get(ctx, change.Path)
	if errors.Is(err, kv.ErrNotFound) {
		return ev, nil
	}
	if err != nil {
		return ev, err
	}
	ev.Value = value
	return ev, nil
}

func (s *Store) emitSnapshot(ctx context.Context, path string, out chan<- kv.Event) bool {
	children, err := s.Children(ctx, path)
	if err != nil {
		s.logger.Error("failed to load ledger snapshot", zap.String("path", path), zap.Error(err))
		return ctx.Err() == nil
	}

	for key, value := range children {
		select {
		case out <- kv.Event{Path: path, Key: key, Value: value}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
