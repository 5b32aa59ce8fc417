package directory

import (
	"context"
	"errors"
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

// pair returns two instances sharing one key space.
func pair(t *testing.T, ttlA, ttlB time.Duration) (*Directory, *Directory, *redis.Client) {
	t.Helper()
	rdb := newTestRedis(t)
	prefix := fmt.Sprintf("test:directory:%d", time.Now().UnixNano())
	a := New(rdb, Config{Prefix: prefix, KeyTTL: ttlA}, "a:8080")
	b := New(rdb, Config{Prefix: prefix, KeyTTL: ttlB}, "b:8080")
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := rdb.Keys(ctx, prefix+":*").Result(); err == nil && len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})
	return a, b, rdb
}

func TestRegisterAndLookup(t *testing.T) {
	a, b, _ := pair(t, time.Minute, time.Minute)
	ctx := context.Background()

	if err := a.Register(ctx, "acme", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Register(ctx, "acme", "u2"); err != nil {
		t.Fatal(err)
	}
	if addr, err := a.Lookup(ctx, "acme", "u1"); err != nil || addr != "a:8080" {
		t.Fatalf("Lookup = %q, %v", addr, err)
	}
	if _, err := a.Lookup(ctx, "other", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other tenant: err = %v", err)
	}

	got, err := a.LookupMany(ctx, "acme", []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || len(got["a:8080"]) != 1 || got["b:8080"][0] != "u2" {
		t.Fatalf("LookupMany = %v", got)
	}
}

func TestDeregisterOnlyRemovesOwnEntry(t *testing.T) {
	a, b, _ := pair(t, time.Minute, time.Minute)
	ctx := context.Background()

	a.Register(ctx, "acme", "u1")
	b.Register(ctx, "acme", "u1") // the user reconnected through b

	if err := a.Deregister(ctx, "acme", "u1"); err != nil {
		t.Fatal(err)
	}
	if addr, err := a.Lookup(ctx, "acme", "u1"); err != nil || addr != "b:8080" {
		t.Fatalf("stale deregister removed the new owner: %q, %v", addr, err)
	}

	if err := b.Deregister(ctx, "acme", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Lookup(ctx, "acme", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRefreshOnlyExtendsOwnKeys(t *testing.T) {
	a, b, rdb := pair(t, time.Hour, 2*time.Second)
	ctx := context.Background()

	a.Register(ctx, "acme", "u1")
	b.Register(ctx, "acme", "u1")
	key := a.keyFor("acme", "u1")

	a.refreshKeys(ctx)
	if ttl := rdb.PTTL(ctx, key).Val(); ttl > 2*time.Second {
		t.Fatalf("a extended b's key to %v", ttl)
	}

	rdb.PExpire(ctx, key, 500*time.Millisecond)
	b.refreshKeys(ctx)
	if ttl := rdb.PTTL(ctx, key).Val(); ttl <= time.Second {
		t.Fatalf("owner refresh left ttl at %v", ttl)
	}
}
