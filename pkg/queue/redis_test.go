package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to REDIS_ADDR (default localhost:6379) and skips
// the test when nothing answers.
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

func newRedisClockQueue(t *testing.T) (*RedisQueue, *time.Time) {
	t.Helper()
	rdb := newTestRedis(t)
	prefix := fmt.Sprintf("test:queue:%d", time.Now().UnixNano())
	q := NewRedisQueue(rdb, RedisConfig{
		Prefix:     prefix,
		Visibility: 30 * time.Second,
		Backoff:    Backoff{Base: time.Minute, Factor: 2},
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	t.Cleanup(func() {
		rdb.Del(context.Background(), q.jobsKey, q.dueKey, q.flightKey)
	})
	return q, &now
}

func TestRedisQueueEnqueueIsIdempotent(t *testing.T) {
	q, _ := newRedisClockQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "n1", []byte(`{"a":1}`), time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "n1", []byte(`{"a":2}`), time.Time{}); err != nil {
		t.Fatal(err)
	}
	if due, _, err := q.Depth(ctx); err != nil || due != 1 {
		t.Fatalf("due = %d, err = %v", due, err)
	}
	jobs, err := q.Claim(ctx, 10)
	if err != nil || len(jobs) != 1 || string(jobs[0].Payload) != `{"a":1}` {
		t.Fatalf("jobs = %+v, err = %v", jobs, err)
	}
}

func TestRedisQueueHonoursNotBefore(t *testing.T) {
	q, now := newRedisClockQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "later", []byte(`{}`), now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if jobs, _ := q.Claim(ctx, 10); len(jobs) != 0 {
		t.Fatalf("claimed %d jobs before they were due", len(jobs))
	}
	*now = now.Add(2 * time.Minute)
	if jobs, _ := q.Claim(ctx, 10); len(jobs) != 1 || jobs[0].ID != "later" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestRedisQueueVisibilityTimeout(t *testing.T) {
	q, now := newRedisClockQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "n1", []byte(`{}`), time.Time{})
	if jobs, _ := q.Claim(ctx, 1); len(jobs) != 1 {
		t.Fatalf("first claim = %+v", jobs)
	}
	if jobs, _ := q.Claim(ctx, 1); len(jobs) != 0 {
		t.Fatal("an in-flight job was claimed twice")
	}
	if n, err := q.Reap(ctx); err != nil || n != 0 {
		t.Fatalf("early reap = %d, %v", n, err)
	}

	*now = now.Add(31 * time.Second)
	if n, err := q.Reap(ctx); err != nil || n != 1 {
		t.Fatalf("reap = %d, %v", n, err)
	}
	jobs, _ := q.Claim(ctx, 1)
	if len(jobs) != 1 || jobs[0].ID != "n1" {
		t.Fatalf("job not redelivered after visibility timeout: %+v", jobs)
	}
}

func TestRedisQueueNackAndAck(t *testing.T) {
	q, now := newRedisClockQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "n1", []byte(`{}`), time.Time{})
	jobs, _ := q.Claim(ctx, 1)
	if err := q.Nack(ctx, jobs[0]); err != nil {
		t.Fatal(err)
	}
	if jobs, _ := q.Claim(ctx, 1); len(jobs) != 0 {
		t.Fatal("nacked job claimed before its backoff")
	}

	*now = now.Add(time.Minute)
	jobs, _ = q.Claim(ctx, 1)
	if len(jobs) != 1 || jobs[0].Attempt != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if err := q.Ack(ctx, jobs[0]); err != nil {
		t.Fatal(err)
	}
	due, inflight, err := q.Depth(ctx)
	if err != nil || due != 0 || inflight != 0 {
		t.Fatalf("depth = %d/%d, err = %v", due, inflight, err)
	}
	if n, _ := q.client.HLen(ctx, q.jobsKey).Result(); n != 0 {
		t.Fatalf("job bodies left after ack: %d", n)
	}
}
