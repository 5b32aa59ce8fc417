// Package queue is the task-queue substrate used by the delivery workers:
// delayed jobs, at-least-once claims with a visibility timeout, and
// retry scheduling with backoff.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

var ErrClosed = errors.New("queue closed")

// Job is one unit of work. Attempt counts how many times the job was
// handed back with Nack.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Enqueuer schedules jobs. Enqueue is idempotent per jobID: a job that is
// already waiting or in flight is left untouched.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, notBefore time.Time) error
}

// Queue is the consumer side of the substrate.
type Queue interface {
	Enqueuer
	// Claim hands out up to max due jobs. Each claimed job must be Acked
	// or Nacked before the visibility timeout, otherwise Reap returns it.
	Claim(ctx context.Context, max int) ([]*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Nack schedules the job again after the queue's backoff delay.
	Nack(ctx context.Context, job *Job) error
	// Reap returns expired in-flight jobs to the due set.
	Reap(ctx context.Context) (int, error)
	Close() error
}

// Backoff is an exponential delay policy.
type Backoff struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Factor float64       `mapstructure:"factor"`
}

// DefaultBackoff doubles from 30s up to 30m.
func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Max: 30 * time.Minute, Factor: 2}
}

// Delay returns the wait before the given retry (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
