// Package lock provides a Redis-backed pass lease shared by every worker
// instance pointed at the same Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/simaogato/topup-engine/internal/worker"
)

const keyPrefix = "topup:lease:"

// RedisLease implements worker.Lease with a redsync mutex.
// The expiry bounds how long a crashed holder blocks other instances.
type RedisLease struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

var _ worker.Lease = (*RedisLease)(nil)

// NewRedisLease creates a lease on client
func NewRedisLease(client redis.UniversalClient, expiry time.Duration) *RedisLease {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &RedisLease{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
	}
}

// Acquire tries once to take the named lease
func (l *RedisLease) Acquire(ctx context.Context, name string) (worker.ReleaseFunc, error) {
	mutex := l.rs.NewMutex(keyPrefix+name, redsync.WithExpiry(l.expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, worker.ErrLeaseHeld
		}
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}

	return func(ctx context.Context) error {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			return fmt.Errorf("failed to release lease %s: %w", name, err)
		}
		return nil
	}, nil
}
