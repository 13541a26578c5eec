// Package guard serializes work per approval and remembers webhook deliveries.
// Redis backs both when configured; otherwise an in-process fallback is used.
package guard

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a lock could not be taken before the wait expired.
var ErrLockTimeout = errors.New("lock wait timed out")

// Locker hands out exclusive per-key locks. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Deliveries records processed webhook bodies so replays can short-circuit.
type Deliveries interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string, ttl time.Duration) error
}

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 5 * time.Second
	lockPollEvery   = 25 * time.Millisecond
)

var (
	_ Locker     = (*LocalLocker)(nil)
	_ Locker     = (*RedisLocker)(nil)
	_ Deliveries = (*LocalDeliveries)(nil)
	_ Deliveries = (*RedisDeliveries)(nil)
)
