package redis

import (
	"context"
	"time"
)

// Throttle stores provider back-off windows so every replica honors a Retry-After.
type Throttle struct {
	client    *Client
	keyPrefix string
}

func NewThrottle(client *Client, keyPrefix string) *Throttle {
	if keyPrefix == "" {
		keyPrefix = "clover:throttle:"
	}
	return &Throttle{client: client, keyPrefix: keyPrefix}
}

// BlockFor opens a back-off window for key. A shorter window never replaces a longer open one.
func (t *Throttle) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if open, err := t.Blocked(ctx, key); err == nil && open >= d {
		return nil
	}
	return t.client.rdb.Set(ctx, t.keyPrefix+key, "1", d).Err()
}

// Blocked returns how long the window for key stays open, or zero when there is none.
func (t *Throttle) Blocked(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := t.client.rdb.PTTL(ctx, t.keyPrefix+key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
