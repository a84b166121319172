package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T, opts ...Option) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, opts...), mr
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	l, mr := newLocker(t, WithTTL(time.Minute))
	ctx := context.Background()

	release, err := l.Acquire(ctx, "itinerary:itn_demo_001")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:itinerary:itn_demo_001"))
	assert.Equal(t, time.Minute, mr.TTL("lock:itinerary:itn_demo_001"))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("lock:itinerary:itn_demo_001"))

	err = release(ctx)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestRedisLocker_WaitsForHolder(t *testing.T) {
	l, _ := newLocker(t, WithRetryWait(5*time.Millisecond))
	ctx := context.Background()

	release, err := l.Acquire(ctx, "itinerary:a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := l.Acquire(ctx, "itinerary:a")
		if err == nil {
			_ = second(ctx)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the key is held")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, release(ctx))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestRedisLocker_AcquireRespectsContext(t *testing.T) {
	l, _ := newLocker(t, WithRetryWait(5*time.Millisecond))

	release, err := l.Acquire(context.Background(), "itinerary:a")
	require.NoError(t, err)
	defer func() { _ = release(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "itinerary:a")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestRedisLocker_ReleaseDoesNotDeleteForeignToken(t *testing.T) {
	l, mr := newLocker(t, WithPrefix("bk:"))
	ctx := context.Background()

	release, err := l.Acquire(ctx, "itinerary:a")
	require.NoError(t, err)

	require.NoError(t, mr.Set("bk:itinerary:a", "someone-else"))
	assert.ErrorIs(t, release(ctx), ErrNotHeld)

	value, err := mr.Get("bk:itinerary:a")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l, _ := newLocker(t, WithRetryWait(time.Millisecond))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "itinerary:shared")
			if err != nil {
				return
			}
			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
			_ = release(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestRedisLocker_RenewsWhileHeld(t *testing.T) {
	l, mr := newLocker(t,
		WithTTL(time.Second),
		WithRenewInterval(5*time.Millisecond),
		WithRetryWait(5*time.Millisecond),
	)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "itinerary:long")
	require.NoError(t, err)

	// Three seconds of server time pass, well beyond the TTL; renewals between steps keep the key.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		mr.FastForward(600 * time.Millisecond)
		require.True(t, mr.Exists("lock:itinerary:long"), "lock expired after step %d", i)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(waitCtx, "itinerary:long")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("lock:itinerary:long"))
}

func TestRedisLocker_RenewalStopsAfterRelease(t *testing.T) {
	l, mr := newLocker(t, WithTTL(time.Second), WithRenewInterval(5*time.Millisecond))
	ctx := context.Background()

	release, err := l.Acquire(ctx, "itinerary:a")
	require.NoError(t, err)
	require.NoError(t, release(ctx))

	require.NoError(t, mr.Set("lock:itinerary:a", "next-holder"))
	mr.SetTTL("lock:itinerary:a", 200*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, mr.TTL("lock:itinerary:a"))
}

func TestRedisLocker_LostLockReportsNotHeld(t *testing.T) {
	l, mr := newLocker(t, WithTTL(time.Second), WithRenewInterval(5*time.Millisecond))
	ctx := context.Background()

	release, err := l.Acquire(ctx, "itinerary:a")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("lock:itinerary:a"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, mr.Exists("lock:itinerary:a"), "renewal must not recreate an expired key")
	assert.ErrorIs(t, release(ctx), ErrNotHeld)
}
