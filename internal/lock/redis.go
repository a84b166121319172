package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotHeld is returned by release when the lock expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

const (
	defaultTTL       = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client is the minimal command surface used by RedisLocker.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisLocker is a single-instance Redis mutex keyed by name. Acquire polls until the
// key is free or ctx ends. While held, the key's TTL is extended every renewEvery so a
// long phase keeps the lock; the TTL only bounds how long a crashed holder blocks it.
// The returned release stops renewal and only deletes a key it still owns.
type RedisLocker struct {
	client     Client
	prefix     string
	ttl        time.Duration
	retryWait  time.Duration
	renewEvery time.Duration
	token      func() string
}

type Option func(*RedisLocker)

// WithTTL bounds how long a crashed holder can block the key.
func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithRetryWait(d time.Duration) Option {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retryWait = d
		}
	}
}

// WithRenewInterval sets how often a held lock's TTL is extended. Defaults to a third of the TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(l *RedisLocker) {
		if d > 0 {
			l.renewEvery = d
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) { l.prefix = prefix }
}

func NewRedisLocker(client Client, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client:    client,
		prefix:    "lock:",
		ttl:       defaultTTL,
		retryWait: defaultRetryWait,
		token:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.renewEvery <= 0 || l.renewEvery >= l.ttl {
		l.renewEvery = l.ttl / 3
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	redisKey := l.prefix + key
	token := l.token()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(renewCtx, redisKey, token)
	}()

	var stopOnce sync.Once
	return func(ctx context.Context) error {
		stopOnce.Do(func() {
			stopRenew()
			<-renewed
		})
		deleted, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("release %s: %w", redisKey, err)
		}
		if deleted == 0 {
			return fmt.Errorf("%w: %s", ErrNotHeld, redisKey)
		}
		return nil
	}, nil
}

// keepAlive extends the key's TTL until ctx ends or the key no longer carries token.
// A failed extension is retried on the next tick while the TTL still covers it.
func (l *RedisLocker) keepAlive(ctx context.Context, key, token string) {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()
	ttl := l.ttl.Milliseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		extended, err := extendScript.Run(ctx, l.client, []string{key}, token, ttl).Int64()
		if err == nil && extended == 0 {
			return
		}
	}
}
