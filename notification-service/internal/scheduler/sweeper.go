// Package scheduler runs the periodic sweeps that keep the task queue and
// the notification table consistent.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// Store lists and updates notifications.
type Store interface {
	ListDue(ctx context.Context, statuses []notification.Status, cutoff time.Time, limit int) ([]notification.Notification, error)
	UpdateStatus(ctx context.Context, id string, t notification.Transition) error
}

// Scheduler (re)enqueues a notification job. Enqueueing is idempotent.
type Scheduler interface {
	Schedule(ctx context.Context, n *notification.Notification) error
}

// Reaper returns expired in-flight jobs to the queue.
type Reaper interface {
	Reap(ctx context.Context)
}

// Config tunes the sweeps.
type Config struct {
	// Spec is a cron spec; seconds are optional.
	Spec string `mapstructure:"spec"`
	// RequeueAfter is how long a pending or retrying notification may go
	// untouched before its job is enqueued again.
	RequeueAfter time.Duration `mapstructure:"requeue_after"`
	// StaleAfter is how long a notification may stay processing before it
	// is considered abandoned by a crashed worker.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

func (c *Config) setDefaults() {
	if c.Spec == "" {
		c.Spec = "@every 30s"
	}
	if c.RequeueAfter <= 0 {
		c.RequeueAfter = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
}

// Stats reports what one sweep did.
type Stats struct {
	Requeued  int
	Recovered int
}

// Sweeper re-enqueues due notifications whose jobs were lost and
// recovers notifications stuck in processing.
type Sweeper struct {
	store  Store
	sched  Scheduler
	reaper Reaper
	cfg    Config
	cron   *cron.Cron
	now    func() time.Time
}

// New creates a Sweeper. reaper may be nil.
func New(store Store, sched Scheduler, reaper Reaper, cfg Config) *Sweeper {
	cfg.setDefaults()
	return &Sweeper{store: store, sched: sched, reaper: reaper, cfg: cfg, now: time.Now}
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	logger := cronLogger{l: log.Ctx(ctx)}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", s.cfg.Spec, err)
	}
	s.cron = c
	c.Start()
	l := log.Ctx(ctx)
	l.Info().Str("spec", s.cfg.Spec).Msg("sweeper started")
	return nil
}

// Stop waits for a running sweep, up to ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	l := log.Ctx(ctx)
	now := s.now()
	var st Stats

	due, err := s.store.ListDue(ctx,
		[]notification.Status{notification.StatusPending, notification.StatusRetrying},
		now.Add(-s.cfg.RequeueAfter), s.cfg.BatchSize)
	if err != nil {
		l.Error().Err(err).Msg("failed to list due notifications")
	}
	for i := range due {
		if err := s.sched.Schedule(ctx, &due[i]); err != nil {
			l.Error().Err(err).Str(log.FieldNotificationID, due[i].ID).Msg("failed to requeue notification")
			continue
		}
		st.Requeued++
	}

	stale, err := s.store.ListDue(ctx,
		[]notification.Status{notification.StatusProcessing},
		now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		l.Error().Err(err).Msg("failed to list stale notifications")
	}
	for i := range stale {
		n := &stale[i]
		msg := "worker stopped while processing"
		err := s.store.UpdateStatus(ctx, n.ID, notification.Transition{
			From:         []notification.Status{notification.StatusProcessing},
			To:           notification.StatusRetrying,
			ErrorMessage: &msg,
		})
		if err != nil {
			l.Warn().Err(err).Str(log.FieldNotificationID, n.ID).Msg("failed to recover stale notification")
			continue
		}
		n.Status = notification.StatusRetrying
		if err := s.sched.Schedule(ctx, n); err != nil {
			l.Error().Err(err).Str(log.FieldNotificationID, n.ID).Msg("failed to requeue recovered notification")
		}
		st.Recovered++
	}

	if s.reaper != nil {
		s.reaper.Reap(ctx)
	}

	if st.Requeued > 0 || st.Recovered > 0 {
		l.Info().Int("requeued", st.Requeued).Int("recovered", st.Recovered).Msg("sweep finished")
	}
	return st
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
