package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, Config{TTL: ttl}), mr
}

func TestLocker_AcquireRelease(t *testing.T) {
	locker, mr := newTestLocker(t, time.Minute)
	ctx := context.Background()

	unlock, err := locker.Acquire(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("import:lock:job-1"))

	_, err = locker.Acquire(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := locker.Acquire(ctx, "job-2")
	require.NoError(t, err, "locks are per key")
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	held, err := locker.Held(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, held)

	again, err := locker.Acquire(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocker_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "job-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "job-1")
	require.NoError(t, err)

	assert.ErrorIs(t, stale(ctx), ErrNotHeld)
	assert.True(t, mr.Exists("import:lock:job-1"), "successor's lock must survive")
	require.NoError(t, fresh(ctx))
}

func TestLocker_SingleWinnerUnderContention(t *testing.T) {
	locker, _ := newTestLocker(t, time.Minute)
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Acquire(ctx, "job-1"); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestNewLocker_Defaults(t *testing.T) {
	locker := NewLocker(nil, Config{})
	assert.Equal(t, DefaultTTL, locker.ttl)
	assert.Equal(t, "import:lock:abc", locker.Key("abc"))
}
