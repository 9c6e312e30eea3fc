package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/clover/pkg/lock"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker is a lock.Locker backed by SET NX with an owner token.
type Locker struct {
	client    *Client
	keyPrefix string
}

func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "clover:lock:"
	}
	return &Locker{client: client, keyPrefix: keyPrefix}
}

// Lock is a held distributed lock.
type Lock struct {
	client *Client
	key    string
	value  string
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	lockKey := l.keyPrefix + key
	value := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
	return &Lock{client: l.client, key: lockKey, value: value}, nil
}

func (l *Locker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (lock.Lock, error) {
	return lock.Retry(ctx, timeout, func() (lock.Lock, error) {
		return l.Acquire(ctx, key, ttl)
	})
}

// Release deletes the key only while this owner still holds it.
func (lk *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lk.client.rdb, []string{lk.key}, lk.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return lock.ErrNotHeld
	}

	lk.client.logger.WithContext(ctx).Debugf("Released lock: %s", lk.key)
	return nil
}
