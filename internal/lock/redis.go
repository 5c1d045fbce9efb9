package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token, so a
// lock that expired and was re-acquired elsewhere is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared across instances. Keys are taken with SET NX PX
// and expire after ttl if the holder dies.
type Redis struct {
	rdb      *redis.Client
	ttl      time.Duration
	retry    time.Duration
	newToken func() string
}

// NewRedis creates a distributed locker.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		rdb:      rdb,
		ttl:      ttl,
		retry:    25 * time.Millisecond,
		newToken: uuid.NewString,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := lockKey(key)
	token := r.newToken()

	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-t.C:
		}
	}

	return func() {
		// Release with a fresh context so a cancelled request still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.rdb, []string{k}, token).Err(); err != nil {
			slog.Warn("lock release failed", "key", key, "err", err)
		}
	}, nil
}

func lockKey(key string) string { return "lock:" + key }
