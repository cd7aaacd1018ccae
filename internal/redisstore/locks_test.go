package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "order_pipeline/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(t *testing.T) (*LockManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLockManager(client, &mockLogger{}, 5*time.Millisecond), mr
}

func TestAcquireAndRelease(t *testing.T) {
	lm, _ := newTestLockManager(t)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, "order:ord-1", time.Minute, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "order:ord-1", lock.Key())
	require.NoError(t, lock.Release(ctx))

	// Released lock is immediately acquirable.
	again, err := lm.Acquire(ctx, "order:ord-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestAcquireContendedTimesOut(t *testing.T) {
	lm, _ := newTestLockManager(t)
	ctx := context.Background()

	held, err := lm.Acquire(ctx, "user:user-1", time.Minute, time.Second)
	require.NoError(t, err)
	defer held.Release(ctx)

	start := time.Now()
	_, err = lm.Acquire(ctx, "user:user-1", time.Minute, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrLockTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireAfterExpiry(t *testing.T) {
	lm, mr := newTestLockManager(t)
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "symbol:RELIANCE", 100*time.Millisecond, time.Second)
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)

	lock, err := lm.Acquire(ctx, "symbol:RELIANCE", time.Minute, time.Second)
	require.NoError(t, err)
	defer lock.Release(ctx)

	// Stale holder must not free the new holder's lock.
	require.NoError(t, stale.Release(ctx))
	exists := mr.Exists("lock:symbol:RELIANCE")
	assert.True(t, exists)
}

func TestReleaseIsOwnerScoped(t *testing.T) {
	lm, mr := newTestLockManager(t)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, "order:ord-9", time.Minute, time.Second)
	require.NoError(t, err)

	// Foreign token in the slot: release must leave it in place.
	mr.Set("lock:order:ord-9", "someone-else")
	require.NoError(t, lock.Release(ctx))
	val, err := mr.Get("lock:order:ord-9")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}
