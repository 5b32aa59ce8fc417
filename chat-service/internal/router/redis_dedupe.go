package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingOutcome marks a key whose first Route has not finished.
const pendingOutcome = "pending"

// RedisDedupe shares routed client message ids across instances, so a
// client retrying through another instance after a reconnect is still
// recognised.
type RedisDedupe struct {
	rdb    redis.Cmdable
	prefix string
	window time.Duration
}

// NewRedisDedupe creates a RedisDedupe keeping keys under prefix for window.
func NewRedisDedupe(rdb redis.Cmdable, prefix string, window time.Duration) *RedisDedupe {
	if prefix == "" {
		prefix = "relay:dedupe"
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RedisDedupe{rdb: rdb, prefix: prefix, window: window}
}

func (d *RedisDedupe) key(k string) string {
	return d.prefix + ":" + k
}

func (d *RedisDedupe) Reserve(ctx context.Context, key string, _ time.Time) (*DeliveryOutcome, bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(key), pendingOutcome, d.window).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}

	raw, err := d.rdb.Get(ctx, d.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between the two calls
		return nil, true, nil
	case err != nil:
		return nil, false, err
	case raw == pendingOutcome:
		return &DeliveryOutcome{}, false, nil
	}
	var out DeliveryOutcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false, err
	}
	return &out, false, nil
}

func (d *RedisDedupe) Complete(ctx context.Context, key string, out *DeliveryOutcome, _ time.Time) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return d.rdb.Set(ctx, d.key(key), data, d.window).Err()
}

func (d *RedisDedupe) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, d.key(key)).Err()
}
