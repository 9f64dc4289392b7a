// Package lock provides a Redis-backed ledger.Locker so that replicas of the
// service never run two closures of the same tenant at once. The database
// uniqueness constraint still decides the outcome; the lock only keeps the
// loser from doing the work.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/transport-ledger/khata/ledger"
)

// DefaultTTL bounds how long a crashed holder can block a tenant.
const DefaultTTL = 30 * time.Second

// Redis implements ledger.Locker with redislock.
type Redis struct {
	client *redis.Client
	locker *redislock.Client
	ttl    time.Duration
}

var _ ledger.Locker = (*Redis)(nil)

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(client, ttl), nil
}

// New wraps an existing client.
func New(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, locker: redislock.New(client), ttl: ttl}
}

// Lock obtains key without retrying. A held lock yields
// ledger.ErrClosureInProgress.
func (r *Redis) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	l, err := r.locker.Obtain(ctx, key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ledger.ErrClosureInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		err := l.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// TTL expired first; nothing left to release.
			return nil
		}
		return err
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
