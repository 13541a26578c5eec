package guard

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is a keyed mutex for single-process deployments.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch      chan struct{}
	waiters int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot), wait: defaultLockWait}
}

func (l *LocalLocker) WithWait(wait time.Duration) *LocalLocker {
	if wait > 0 {
		l.wait = wait
	}
	return l
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.waiters++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.leave(key, s)
		return nil, ctx.Err()
	case <-timer.C:
		l.leave(key, s)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.leave(key, s)
		})
	}, nil
}

func (l *LocalLocker) leave(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, key)
	}
}

// LocalDeliveries keeps delivery keys in memory until they expire.
type LocalDeliveries struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewLocalDeliveries() *LocalDeliveries {
	return &LocalDeliveries{seen: make(map[string]time.Time), now: time.Now}
}

func (d *LocalDeliveries) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiresAt, ok := d.seen[key]
	if !ok {
		return false, nil
	}
	if !d.now().Before(expiresAt) {
		delete(d.seen, key)
		return false, nil
	}
	return true, nil
}

func (d *LocalDeliveries) Remember(_ context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, expiresAt := range d.seen {
		if !now.Before(expiresAt) {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now.Add(ttl)
	return nil
}
