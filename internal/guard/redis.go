package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connect parses redisURL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisLocker takes SET NX PX locks. The TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	log    zerolog.Logger
}

func NewRedisLocker(client *redis.Client, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "signoff:lock:",
		ttl:    defaultLockTTL,
		wait:   defaultLockWait,
		log:    log,
	}
}

// WithTiming overrides the lock TTL and the maximum wait; zero keeps the default.
func (l *RedisLocker) WithTiming(ttl, wait time.Duration) *RedisLocker {
	if ttl > 0 {
		l.ttl = ttl
	}
	if wait > 0 {
		l.wait = wait
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		timer := time.NewTimer(lockPollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// The caller's context may already be cancelled; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("release lock failed")
		}
	}, nil
}

// RedisDeliveries marks delivery keys with a TTL.
type RedisDeliveries struct {
	client *redis.Client
	prefix string
}

func NewRedisDeliveries(client *redis.Client) *RedisDeliveries {
	return &RedisDeliveries{client: client, prefix: "signoff:webhook:"}
}

func (d *RedisDeliveries) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeliveries) Remember(ctx context.Context, key string, ttl time.Duration) error {
	if err := d.client.Set(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("remember delivery: %w", err)
	}
	return nil
}
