package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// redisKeyPrefix namespaces lock keys within a shared Redis instance.
const redisKeyPrefix = "bunny-s3-lock:"

// releaseScript deletes the lock key only if it still holds the fencing
// token this holder set, so a lock that expired and was re-acquired by
// someone else is never deleted out from under them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Redis is an external, cross-process ConditionalLock backed by a Redis
// SET-if-not-exists-with-TTL primitive.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed lock using the given client and per-lock TTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// TryLock attempts SET key token NX PX ttl. On success, release is a
// fire-and-forget compare-and-delete Lua script keyed on the fencing token,
// so the lock is never released after a TTL-driven re-acquisition by a
// different holder.
func (l *Redis) TryLock(ctx context.Context, key string) (Guard, error) {
	token := uid.New()
	fullKey := redisKeyPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return newFuncGuard(func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token)
	}), nil
}
