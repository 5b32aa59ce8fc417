package router

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisDedupe(t *testing.T) {
	rdb := newTestRedis(t)
	prefix := fmt.Sprintf("test:dedupe:%d", time.Now().UnixNano())
	d := NewRedisDedupe(rdb, prefix, time.Minute)
	ctx := context.Background()
	key := dedupeKey("acme", "alice", "c-1")
	t.Cleanup(func() { rdb.Del(context.Background(), d.key(key)) })

	if _, fresh, err := d.Reserve(ctx, key, time.Now()); err != nil || !fresh {
		t.Fatalf("first reserve: fresh = %v, err = %v", fresh, err)
	}
	prev, fresh, err := d.Reserve(ctx, key, time.Now())
	if err != nil || fresh || prev == nil || prev.MessageID != "" {
		t.Fatalf("in-flight reserve = %+v, %v, %v", prev, fresh, err)
	}

	out := &DeliveryOutcome{MessageID: "m1", Delivered: true, Recipients: []string{"bob"}}
	if err := d.Complete(ctx, key, out, time.Now()); err != nil {
		t.Fatal(err)
	}
	// another instance sees the same outcome
	other := NewRedisDedupe(rdb, prefix, time.Minute)
	prev, fresh, err = other.Reserve(ctx, key, time.Now())
	if err != nil || fresh || prev.MessageID != "m1" || len(prev.Recipients) != 1 {
		t.Fatalf("completed reserve = %+v, %v, %v", prev, fresh, err)
	}

	if err := d.Release(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, fresh, _ := d.Reserve(ctx, key, time.Now()); !fresh {
		t.Fatal("released key still reserved")
	}
}
