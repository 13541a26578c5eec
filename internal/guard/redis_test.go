package guard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, s
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	client, s := setupTestRedis(t)
	locker := NewRedisLocker(client, zerolog.Nop()).WithTiming(time.Minute, 60*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "apr-1")
	require.NoError(t, err)
	assert.True(t, s.Exists("signoff:lock:apr-1"))

	_, err = locker.Acquire(ctx, "apr-1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := locker.Acquire(ctx, "apr-2")
	require.NoError(t, err)
	other()

	release()
	assert.False(t, s.Exists("signoff:lock:apr-1"))

	again, err := locker.Acquire(ctx, "apr-1")
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	client, s := setupTestRedis(t)
	locker := NewRedisLocker(client, zerolog.Nop()).WithTiming(time.Second, 50*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "apr-1")
	require.NoError(t, err)

	// Simulate expiry and another holder taking over.
	s.FastForward(2 * time.Second)
	require.NoError(t, s.Set("signoff:lock:apr-1", "someone-else"))

	release()
	value, err := s.Get("signoff:lock:apr-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestRedisLockerHonoursContext(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := NewRedisLocker(client, zerolog.Nop()).WithTiming(time.Minute, time.Minute)

	release, err := locker.Acquire(context.Background(), "apr-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "apr-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisDeliveries(t *testing.T) {
	client, s := setupTestRedis(t)
	deliveries := NewRedisDeliveries(client)
	ctx := context.Background()

	seen, err := deliveries.Seen(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, deliveries.Remember(ctx, "abc", time.Hour))
	seen, err = deliveries.Seen(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, seen)

	s.FastForward(2 * time.Hour)
	seen, err = deliveries.Seen(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, seen)
}
