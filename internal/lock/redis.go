// Package lock serializes mutations of one aggregate across engine replicas
// with a Redis SET NX lease.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"MarketCore/internal/failure"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the lock only if it still holds the caller's token, so an
// expired holder cannot release a lease someone else has since taken.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const (
	keyPrefix    = "marketcore:lock:"
	pollInterval = 10 * time.Millisecond
)

// RedisGuard implements core.Guard
type RedisGuard struct {
	rdb    redis.UniversalClient
	unlock *redis.Script
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisGuard returns a guard whose leases expire after ttl. Acquire polls
// for up to wait before reporting the aggregate busy.
func NewRedisGuard(rdb redis.UniversalClient, ttl, wait time.Duration) *RedisGuard {
	return &RedisGuard{
		rdb:    rdb,
		unlock: redis.NewScript(unlockLua),
		ttl:    ttl,
		wait:   wait,
	}
}

// Dial connects to addr and verifies the connection
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

func lockKey(key string) string {
	return keyPrefix + key
}

// Acquire takes the lease for key. The returned release is safe to call
// more than once.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()
	lk := lockKey(key)

	deadline := time.Now().Add(g.wait)
	for {
		ok, err := g.rdb.SetNX(ctx, lk, token, g.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, failure.New(failure.AggregateBusy, "%s is locked by another writer", key)
		}

		t := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = g.unlock.Run(ctx, g.rdb, []string{lk}, token).Err()
			if err != nil {
				err = fmt.Errorf("redis: release lock %s: %w", key, err)
			}
		})
		return err
	}

	return release, nil
}

// Ping reports whether Redis is reachable, for readiness checks
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}
