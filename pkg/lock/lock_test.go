package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "0xabc")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, release(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, l.slots, "idle keys are dropped")
}

func TestLocal_KeysAreIndependent(t *testing.T) {
	var l Local
	ra, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	rb, err := l.Acquire(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, ra(context.Background()))
	require.NoError(t, rb(context.Background()))
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(context.Background()))
	require.NoError(t, release(context.Background()), "double release is a no-op")

	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, again(context.Background()))
}

// TestRedis_Integration requires a running Redis and is skipped otherwise.
func TestRedis_Integration(t *testing.T) {
	ctx := context.Background()
	r, err := DialRedis(ctx, "localhost:6379", "", 0,
		WithPrefix("chaintrace-test:"), WithLeaseTTL(time.Second), WithRetryWait(10*time.Millisecond))
	if err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer r.Close()

	release, err := r.Acquire(ctx, "submitter")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(short, "submitter")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The lease outlives its TTL while held.
	time.Sleep(1500 * time.Millisecond)
	require.NoError(t, release(ctx))

	again, err := r.Acquire(ctx, "submitter")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}
