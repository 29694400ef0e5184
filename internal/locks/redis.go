package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultLockTTL   = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
	maxRetryWait     = 250 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token, so an
// expired holder never frees someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("locks: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}, nil
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	wait := defaultRetryWait
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if wait < maxRetryWait {
			wait *= 2
		}
	}

	return func() {
		// Release even if the caller's context is already done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("Failed to release lock", zap.String("key", redisKey), zap.Error(err))
		}
	}, nil
}
