package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrLeaseHeld is returned by Acquire when another holder owns the lease
var ErrLeaseHeld = errors.New("lease held by another worker")

// ReleaseFunc gives a lease back
type ReleaseFunc func(ctx context.Context) error

// Lease grants exclusive ownership of a named job for one pass
type Lease interface {
	Acquire(ctx context.Context, name string) (ReleaseFunc, error)
}

// LocalLease serialises passes inside one process
type LocalLease struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLease creates an in-process lease
func NewLocalLease() *LocalLease {
	return &LocalLease{locks: make(map[string]*sync.Mutex)}
}

// Acquire takes the named lease without waiting
func (l *LocalLease) Acquire(_ context.Context, name string) (ReleaseFunc, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, ErrLeaseHeld
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(m.Unlock)
		return nil
	}, nil
}

// Exclusive wraps pass so it only runs while holding the named lease.
// A pass skipped because the lease is held elsewhere is not an error.
func Exclusive(lease Lease, name string, pass PassFunc) PassFunc {
	return func(ctx context.Context) error {
		release, err := lease.Acquire(ctx, name)
		if errors.Is(err, ErrLeaseHeld) {
			return nil
		}
		if err != nil {
			return err
		}
		defer release(context.WithoutCancel(ctx))
		return pass(ctx)
	}
}
