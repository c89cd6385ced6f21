package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TillLockKey builds redis keys for till critical sections.
func TillLockKey(tillID int64) string {
	return fmt.Sprintf("register:till:%d:lock", tillID)
}

var (
	// ErrLockTimeout is returned when a lock stays held past the configured wait.
	ErrLockTimeout = errors.New("shared: lock wait timeout")
	// ErrLockUnavailable wraps redis failures while locking.
	ErrLockUnavailable = errors.New("shared: lock backend unavailable")
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX mutex keyed per till.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker constructs a locker. ttl bounds how long a crashed holder
// can block the till; wait bounds how long Lock polls for a held key.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

// Lock acquires the till lock, polling until the configured wait elapses.
func (l *RedisLocker) Lock(ctx context.Context, tillID int64) (func(), error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("%w: locker not initialised", ErrLockUnavailable)
	}
	key := TillLockKey(tillID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", ErrLockUnavailable, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockTimeout
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}
