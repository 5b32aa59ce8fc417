// Package worker drains the notification task queue with a fixed pool of
// goroutines.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-relay/notification-service/internal/delivery"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/queue"
	"golang.org/x/sync/errgroup"
)

// Processor runs one delivery cycle.
type Processor interface {
	ProcessOne(ctx context.Context, id string) (delivery.Result, error)
}

// Config sizes the pool.
type Config struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// Pool claims jobs and hands them to its workers.
type Pool struct {
	q    queue.Queue
	proc Processor
	cfg  Config
}

// New creates a Pool.
func New(q queue.Queue, proc Processor, cfg Config) *Pool {
	cfg.setDefaults()
	return &Pool{q: q, proc: proc, cfg: cfg}
}

// Run blocks until ctx is done. Jobs already handed to a worker run to
// completion; claimed jobs nobody picked up return to the queue through
// the visibility timeout.
func (p *Pool) Run(ctx context.Context) error {
	l := log.Ctx(ctx)
	l.Info().Int("concurrency", p.cfg.Concurrency).Msg("worker pool started")

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan *queue.Job)

	g.Go(func() error {
		defer close(jobs)
		return p.claimLoop(ctx, jobs)
	})
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			for job := range jobs {
				p.handle(ctx, job)
			}
			return nil
		})
	}
	g.Go(func() error {
		return p.reapLoop(ctx)
	})

	err := g.Wait()
	l.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) claimLoop(ctx context.Context, jobs chan<- *queue.Job) error {
	l := log.Ctx(ctx)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := p.q.Claim(ctx, p.cfg.Concurrency)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			l.Error().Err(err).Msg("failed to claim jobs")
		}

		for _, job := range claimed {
			select {
			case jobs <- job:
			case <-ctx.Done():
				return nil
			}
		}

		// keep draining while the queue has due work
		if len(claimed) > 0 {
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

// Reap returns expired in-flight jobs to the queue.
func (p *Pool) Reap(ctx context.Context) {
	n, err := p.q.Reap(ctx)
	l := log.Ctx(ctx)
	if err != nil {
		l.Error().Err(err).Msg("failed to reap in-flight jobs")
		return
	}
	if n > 0 {
		l.Warn().Int("jobs", n).Msg("returned expired in-flight jobs to the queue")
	}
}

// handle processes one job. Shutdown does not interrupt a running cycle.
func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	ctx = context.WithoutCancel(ctx)
	jl := log.Ctx(ctx).With().Str(log.FieldJobID, job.ID).Int(log.FieldAttempt, job.Attempt).Logger()
	ctx = log.WithLogger(ctx, jl)

	var payload notification.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.NotificationID == "" {
		jl.Error().Err(err).Msg("dropping malformed job")
		p.ack(ctx, job)
		return
	}

	res, err := p.proc.ProcessOne(ctx, payload.NotificationID)
	switch {
	case err != nil:
		jl.Error().Err(err).Msg("delivery cycle failed, job will be retried")
		p.nack(ctx, job)
	case res.Retry:
		p.nack(ctx, job)
	default:
		p.ack(ctx, job)
	}
}

func (p *Pool) ack(ctx context.Context, job *queue.Job) {
	if err := p.q.Ack(ctx, job); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to ack job")
	}
}

func (p *Pool) nack(ctx context.Context, job *queue.Job) {
	if err := p.q.Nack(ctx, job); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to nack job")
	}
}
