package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "apr-1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Empty(t, locker.slots)
}

func TestLocalLockerTimeoutAndContext(t *testing.T) {
	locker := NewLocalLocker().WithWait(20 * time.Millisecond)
	release, err := locker.Acquire(context.Background(), "apr-1")
	require.NoError(t, err)

	_, err = locker.Acquire(context.Background(), "apr-1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Acquire(ctx, "apr-1")
	assert.ErrorIs(t, err, context.Canceled)

	release()
	release()

	again, err := locker.Acquire(context.Background(), "apr-1")
	require.NoError(t, err)
	again()
}

func TestLocalDeliveriesExpire(t *testing.T) {
	deliveries := NewLocalDeliveries()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deliveries.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, deliveries.Remember(ctx, "abc", time.Minute))
	seen, err := deliveries.Seen(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, err = deliveries.Seen(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, seen)
}
