package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReserveReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	r1, err := s.Reserve(ctx, "app_1", "nonceABCDEFGHIJKL", 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OK, r1)

	r2, err := s.Reserve(ctx, "app_1", "nonceABCDEFGHIJKL", 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Replay, r2, "second reservation of the same (appID, nonce) must be a replay")

	// Different app, same nonce string: independent.
	r3, err := s.Reserve(ctx, "app_2", "nonceABCDEFGHIJKL", 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OK, r3)
}

func TestMemory_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	fake := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fake }

	_, err := s.Reserve(ctx, "app_1", "nonceABCDEFGHIJKL", 1*time.Second)
	require.NoError(t, err)

	fake = fake.Add(2 * time.Second)
	r, err := s.Reserve(ctx, "app_1", "nonceABCDEFGHIJKL", 1*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OK, r, "reservation should be reusable once its TTL has elapsed")
}

type fakeRedis struct {
	seen map[string]bool
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func TestRedis_ReserveReplay(t *testing.T) {
	ctx := context.Background()
	store := NewRedis(&fakeRedis{})

	r1, err := store.Reserve(ctx, "app_1", "nonceABCDEFGHIJKL", 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OK, r1)

	r2, err := store.Reserve(ctx, "app_1", "nonceABCDEFGHIJKL", 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Replay, r2)
}
