package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another ingestion run holds the unit lock.
var ErrLockHeld = errors.New("ingestion lock held by another run")

// IngestLockKey builds the redis key for one ingestion unit of contention.
// Raw modules contend per (cooperative, year, month, module); the ratio
// engine passes module "ratios" and so contends on the whole period.
func IngestLockKey(cooperativeID int64, year, month int, module string) string {
	return fmt.Sprintf("ingest:coop:%d:%d:%d:%s:lock", cooperativeID, year, month, module)
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker provides per-unit mutual exclusion backed by redis SET NX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker constructs the locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the lock or fails fast with ErrLockHeld. The returned
// release func is safe to call once; the TTL guards against a crashed
// holder keeping the unit blocked forever.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func() {
		// Release must survive caller disconnects mid-ingestion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
