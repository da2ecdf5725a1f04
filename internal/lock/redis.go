package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bitespeed/internal/sentinel"
)

const (
	redisKeyPrefix       = "bitespeed:lock:"
	defaultRetryInterval = 20 * time.Millisecond
)

// acquireScript sets every key to the token only when none of them exist.
var acquireScript = redis.NewScript(`
for _, k in ipairs(KEYS) do
  if redis.call("EXISTS", k) == 1 then
    return 0
  end
end
for _, k in ipairs(KEYS) do
  redis.call("SET", k, ARGV[1], "PX", ARGV[2])
end
return 1
`)

// releaseScript deletes only the keys still holding the caller's token.
var releaseScript = redis.NewScript(`
local n = 0
for _, k in ipairs(KEYS) do
  if redis.call("GET", k) == ARGV[1] then
    n = n + redis.call("DEL", k)
  end
end
return n
`)

// RedisLocker coordinates reconcile calls across processes. Keys expire after
// ttl so a crashed holder cannot block an identifier forever. All keys of one
// call are set atomically, which requires them to live on one Redis node.
type RedisLocker struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithRetryInterval sets how often a blocked Lock call polls.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.retryInterval = d
	}
}

// NewRedis constructs a RedisLocker over an existing client.
func NewRedis(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return func() {}, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = redisKeyPrefix + k
	}
	token := uuid.NewString()

	for {
		ok, err := acquireScript.Run(ctx, l.client, redisKeys, token, l.ttl.Milliseconds()).Int()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: acquire redis lock: %w", sentinel.ErrUnavailable, err)
		}
		if err == nil && ok == 1 {
			return onceFunc(func() {
				// Fresh context: the caller's may already be done, and the
				// keys must still be released.
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, redisKeys, token).Err()
			}), nil
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: lock wait: %w", sentinel.ErrUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
}

// Health checks if the Redis connection is healthy.
func (l *RedisLocker) Health(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
