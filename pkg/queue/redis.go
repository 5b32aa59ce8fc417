package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisQueue.
type RedisConfig struct {
	Prefix     string        `mapstructure:"prefix"`
	Visibility time.Duration `mapstructure:"visibility"`
	Backoff    Backoff       `mapstructure:"backoff"`
}

// RedisQueue keeps job bodies in a hash, due jobs in a sorted set scored by
// due time, and claimed jobs in a second sorted set scored by deadline.
type RedisQueue struct {
	client     redis.UniversalClient
	jobsKey    string
	dueKey     string
	flightKey  string
	visibility time.Duration
	backoff    Backoff
	now        func() time.Time
}

var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return ids
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// NewRedisQueue creates a RedisQueue on an existing client.
func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "relay:queue"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &RedisQueue{
		client:     client,
		jobsKey:    cfg.Prefix + ":jobs",
		dueKey:     cfg.Prefix + ":due",
		flightKey:  cfg.Prefix + ":inflight",
		visibility: cfg.Visibility,
		backoff:    cfg.Backoff,
		now:        time.Now,
	}
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, payload []byte, notBefore time.Time) error {
	now := q.now()
	if notBefore.IsZero() || notBefore.Before(now) {
		notBefore = now
	}

	body, err := json.Marshal(&Job{ID: jobID, Payload: payload, EnqueuedAt: now.UTC()})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	keys := []string{q.jobsKey, q.dueKey}
	if err := enqueueScript.Run(ctx, q.client, keys, jobID, body, score(notBefore)).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, max int) ([]*Job, error) {
	if max <= 0 {
		max = 1
	}
	now := q.now()
	keys := []string{q.dueKey, q.flightKey}
	ids, err := claimScript.Run(ctx, q.client, keys, score(now), score(now.Add(q.visibility)), max).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := q.client.HMGet(ctx, q.jobsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, raw := range bodies {
		s, ok := raw.(string)
		if !ok {
			// Body vanished (acked elsewhere); drop the dangling id.
			q.client.ZRem(ctx, q.flightKey, ids[i])
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			q.client.ZRem(ctx, q.flightKey, ids[i])
			q.client.HDel(ctx, q.jobsKey, ids[i])
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.flightKey, job.ID)
		p.HDel(ctx, q.jobsKey, job.ID)
		return nil
	})
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, job *Job) error {
	next := *job
	next.Attempt = job.Attempt + 1
	body, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := q.now().Add(q.backoff.Delay(next.Attempt))

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobsKey, job.ID, body)
		p.ZRem(ctx, q.flightKey, job.ID)
		p.ZAdd(ctx, q.dueKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.client, []string{q.flightKey, q.dueKey}, score(q.now())).Int()
	if err != nil {
		return 0, fmt.Errorf("reap jobs: %w", err)
	}
	return n, nil
}

// Depth returns the number of due and in-flight jobs.
func (q *RedisQueue) Depth(ctx context.Context) (due, inflight int64, err error) {
	due, err = q.client.ZCard(ctx, q.dueKey).Result()
	if err != nil {
		return 0, 0, err
	}
	inflight, err = q.client.ZCard(ctx, q.flightKey).Result()
	return due, inflight, err
}

func (q *RedisQueue) Close() error {
	return nil
}
