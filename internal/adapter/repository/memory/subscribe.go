package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/simaogato/topup-engine/internal/adapter/repository/kv"
)

// subscription buffers events without bound so writers never block on a
// slow consumer; a pump goroutine hands them to out in order.
type subscription struct {
	path    string
	mu      sync.Mutex
	pending []kv.Event
	signal  chan struct{}
	out     chan kv.Event
}

func (sub *subscription) enqueue(events ...kv.Event) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, events...)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscription) take() []kv.Event {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	events := sub.pending
	sub.pending = nil
	return events
}

// Subscribe emits the current children of path followed by every change.
// The returned channel is closed when ctx is done or the store is closed.
func (s *Store) Subscribe(ctx context.Context, path string) (<-chan kv.Event, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}

	sub := &subscription{
		path:   path,
		signal: make(chan struct{}, 1),
		out:    make(chan kv.Event),
	}

	// the snapshot is queued before the lock is released so no change
	// committed afterwards can overtake it
	s.mu.Lock()
	children := s.childrenLocked(path)
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make([]kv.Event, 0, len(keys))
	for _, k := range keys {
		snapshot = append(snapshot, kv.Event{Path: path, Key: k, Value: children[k]})
	}
	sub.enqueue(snapshot...)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go s.pump(ctx, sub)
	return sub.out, nil
}

func (s *Store) pump(ctx context.Context, sub *subscription) {
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		close(sub.out)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-sub.signal:
		}

		for _, ev := range sub.take() {
			select {
			case sub.out <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

// publishLocked queues events for every matching subscription. It runs
// under s.mu so subscribers see changes in commit order; enqueue never blocks.
func (s *Store) publishLocked(events []kv.Event) {
	for sub := range s.subs {
		for _, ev := range events {
			if ev.Path == sub.path {
				sub.enqueue(ev)
			}
		}
	}
}
