// Package nonce provides single-use nonce reservation for PoP replay
// defense, grounded in internal/auth/ratelimit.go's Redis INCR/EXPIRE
// rate-limiting pattern but using SET-NX for true at-most-once semantics
// instead of a counter.
package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result of a reservation attempt.
type Result int

const (
	// OK means the (appID, nonce) pair had not been seen; it is now reserved.
	OK Result = iota
	// Replay means the pair was already reserved within its TTL.
	Replay
)

// Store reserves (appID, nonce) pairs for a bounded TTL.
type Store interface {
	// Reserve atomically reserves nonce for appID. ttl is how long the
	// reservation is held. Returns Replay if the pair was already reserved.
	Reserve(ctx context.Context, appID, nonce string, ttl time.Duration) (Result, error)
}

// Memory is an in-memory, mutex-guarded Store suitable for single-node
// deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiresAt
	now     func() time.Time
}

// NewMemory creates an empty in-memory nonce store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func key(appID, nonce string) string {
	return appID + "\x00" + nonce
}

// Reserve implements Store.
func (m *Memory) Reserve(_ context.Context, appID, nonceVal string, ttl time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(appID, nonceVal)
	now := m.now()

	if expiresAt, ok := m.entries[k]; ok && now.Before(expiresAt) {
		return Replay, nil
	}

	m.entries[k] = now.Add(ttl)
	m.sweepLocked(now)
	return OK, nil
}

// sweepLocked removes expired entries opportunistically. Caller holds mu.
func (m *Memory) sweepLocked(now time.Time) {
	// Bound the amortized cost: only sweep when the map has grown large
	// relative to a reasonable working set.
	if len(m.entries) < 10000 {
		return
	}
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
}

// RedisClient is the minimal surface nonce.Redis needs from
// github.com/redis/go-redis/v9's *redis.Client, so the store can be tested
// without a live server.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
}

// Redis is a Store backed by Redis SET NX PX, the multi-node-safe
// implementation for when a single process cannot be assumed to own all
// traffic for an app.
type Redis struct {
	client RedisClient
	prefix string
}

// NewRedis creates a Redis-backed nonce store.
func NewRedis(client RedisClient) *Redis {
	return &Redis{client: client, prefix: "pop:nonce:"}
}

// Reserve implements Store.
func (r *Redis) Reserve(ctx context.Context, appID, nonceVal string, ttl time.Duration) (Result, error) {
	k := fmt.Sprintf("%s%s:%s", r.prefix, appID, nonceVal)
	ok, err := r.client.SetNX(ctx, k, "1", ttl)
	if err != nil {
		return Replay, fmt.Errorf("reserving nonce: %w", err)
	}
	if !ok {
		return Replay, nil
	}
	return OK, nil
}
