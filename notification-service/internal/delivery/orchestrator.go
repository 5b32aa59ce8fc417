// Package delivery runs notifications through their providers: provider
// selection, attempts and fallback, retry bookkeeping, webhook endpoint
// health and the webhook fan-out of domain events.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-relay/notification-service/internal/provider"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

// Defaults for Config.
const (
	DefaultSendTimeout      = 30 * time.Second
	DefaultSuspendThreshold = 5
)

// Store is the persistence the orchestrator needs.
type Store interface {
	notification.Store
	GetWebhookEndpoint(ctx context.Context, id string) (*notification.WebhookEndpoint, error)
	RecordWebhookResult(ctx context.Context, endpointID string, success bool, threshold int) (*notification.WebhookEndpoint, error)
}

// Providers returns the configured providers of a channel.
type Providers interface {
	For(ch notification.Channel) []provider.Provider
}

// FallbackSubmitter turns failed live deliveries into email notifications.
type FallbackSubmitter interface {
	SubmitEmailFallback(ctx context.Context, tenantID string, fb *notification.EmailFallback, subject, content, reason string, meta map[string]interface{}) (string, error)
}

// Observer receives delivery measurements.
type Observer interface {
	AttemptFinished(channel, providerName string, success bool, code string, elapsed time.Duration)
	NotificationFinished(channel string, status notification.Status)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(string, string, bool, string, time.Duration) {}
func (nopObserver) NotificationFinished(string, notification.Status)            {}

// Config tunes the orchestrator.
type Config struct {
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	SuspendThreshold int           `mapstructure:"suspend_threshold"`
	BulkThreshold    int           `mapstructure:"bulk_threshold"`
}

func (c *Config) setDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SuspendThreshold <= 0 {
		c.SuspendThreshold = DefaultSuspendThreshold
	}
	if c.BulkThreshold <= 0 {
		c.BulkThreshold = DefaultBulkThreshold
	}
}

// Result is the outcome of one processing cycle. Retry asks the queue
// to hand the job back after its backoff.
type Result struct {
	Status notification.Status
	Retry  bool
}

// Orchestrator processes notification jobs.
type Orchestrator struct {
	store     Store
	providers Providers
	fallback  FallbackSubmitter
	events    pubsub.Publisher
	observer  Observer
	cfg       Config
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvents publishes notification.sent / notification.failed events.
func WithEvents(p pubsub.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithObserver records attempt and outcome measurements.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithFallback enables email fallback submission for websocket
// notifications.
func WithFallback(f FallbackSubmitter) Option {
	return func(o *Orchestrator) { o.fallback = f }
}

// New creates an Orchestrator.
func New(store Store, providers Providers, cfg Config, opts ...Option) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		store:     store,
		providers: providers,
		observer:  nopObserver{},
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessOne runs one delivery cycle for a notification. Jobs may be
// handed out more than once, so terminal and in-flight notifications are
// skipped. The returned error is reserved for storage failures; delivery
// failures are reported through Result.
func (o *Orchestrator) ProcessOne(ctx context.Context, id string) (Result, error) {
	l := log.Ctx(ctx).With().Str(log.FieldNotificationID, id).Logger()
	ctx = log.WithLogger(ctx, l)

	n, err := o.store.GetNotification(ctx, id)
	if errors.Is(err, notification.ErrNotFound) {
		l.Warn().Msg("notification job without notification, dropping")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load notification: %w", err)
	}
	if n.Status.Terminal() || n.Status == notification.StatusProcessing {
		l.Debug().Str("status", string(n.Status)).Msg("skipping notification")
		return Result{Status: n.Status}, nil
	}

	err = o.store.UpdateStatus(ctx, id, notification.Transition{
		From: notification.Sources(notification.StatusProcessing),
		To:   notification.StatusProcessing,
	})
	if errors.Is(err, notification.ErrStatusConflict) {
		l.Debug().Msg("notification changed before processing, skipping")
		return Result{Status: n.Status}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("mark processing: %w", err)
	}
	n.Status = notification.StatusProcessing

	var endpoint *notification.WebhookEndpoint
	if n.Channel == notification.ChannelWebhook {
		endpoint, err = o.store.GetWebhookEndpoint(ctx, n.EndpointID)
		switch {
		case errors.Is(err, notification.ErrEndpointNotFound),
			err == nil && endpoint.TenantID != n.TenantID:
			return o.fail(ctx, n, provider.NewError(provider.CodeInvalidRequest, "webhook endpoint not found", false), nil)
		case err != nil:
			return o.retry(ctx, n, fmt.Errorf("load endpoint: %w", err))
		case endpoint.Status == notification.EndpointSuspended:
			return o.fail(ctx, n, provider.NewError(provider.CodeEndpointSuspended, "endpoint "+endpoint.ID+" is suspended", false), nil)
		case !endpoint.Active():
			return o.fail(ctx, n, provider.NewError(provider.CodeEndpointInactive, "endpoint "+endpoint.ID+" is "+string(endpoint.Status), false), nil)
		}
	}

	sel, ok := selectFor(o.providers.For(n.Channel), n.Channel == notification.ChannelEmail, n.RecipientCount(), o.cfg.BulkThreshold)
	if !ok {
		return o.fail(ctx, n, provider.NewError(provider.CodeNoProvider, "no "+string(n.Channel)+" provider can deliver this notification", false), nil)
	}

	attempts, err := o.store.CountDeliveryAttempts(ctx, id)
	if err != nil {
		return o.retry(ctx, n, fmt.Errorf("count attempts: %w", err))
	}

	used := sel.Primary
	res, sendErr := o.attempt(ctx, n, endpoint, sel.Primary, attempts+1)
	if sendErr != nil && sel.Fallback != nil {
		l.Info().Str(log.FieldProvider, sel.Fallback.Name()).Err(sendErr).Msg("primary provider failed, trying fallback")
		used = sel.Fallback
		res, sendErr = o.attempt(ctx, n, endpoint, sel.Fallback, attempts+2)
	}

	if endpoint != nil {
		o.recordEndpoint(ctx, endpoint, sendErr == nil)
	}

	if sendErr == nil {
		return o.sent(ctx, n, used, res, used != sel.Primary)
	}

	var meta map[string]interface{}
	if n.Channel == notification.ChannelWebsocket {
		meta = o.submitEmailFallback(ctx, n)
	}
	if !provider.IsRetryable(sendErr) || o.endpointSuspended(endpoint) {
		return o.failWith(ctx, n, sendErr, nil, meta)
	}
	return o.retryWith(ctx, n, sendErr, meta)
}

// attempt sends once and records the attempt.
func (o *Orchestrator) attempt(ctx context.Context, n *notification.Notification, ep *notification.WebhookEndpoint, p provider.Provider, number int) (*provider.Result, error) {
	attemptID := uuid.NewString()
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	start := o.now()
	res, err := p.Send(callCtx, &provider.Delivery{Notification: n, Endpoint: ep, ID: attemptID})
	elapsed := o.now().Sub(start)
	cancel()

	a := &notification.DeliveryAttempt{
		ID:             attemptID,
		NotificationID: n.ID,
		AttemptNumber:  number,
		Provider:       p.Name(),
		Success:        err == nil,
		ResponseTime:   elapsed,
		AttemptedAt:    start.UTC(),
	}
	if err == nil && res != nil {
		a.ProviderMessageID = res.MessageID
	}
	code := ""
	if err != nil {
		code = provider.ErrorCode(err)
		a.ErrorCode = code
		a.ErrorMessage = err.Error()
	}

	l := log.Ctx(ctx)
	if appendErr := o.store.AppendDeliveryAttempt(ctx, a); appendErr != nil {
		l.Error().Err(appendErr).Int(log.FieldAttempt, number).Msg("failed to record delivery attempt")
	}
	o.observer.AttemptFinished(string(n.Channel), p.Name(), err == nil, code, elapsed)

	evt := l.Info()
	if err != nil {
		evt = l.Warn().Err(err)
	}
	evt.Str(log.FieldProvider, p.Name()).
		Int(log.FieldAttempt, number).
		Int64(log.FieldLatency, elapsed.Milliseconds()).
		Msg("delivery attempt")

	if err == nil && res == nil {
		res = &provider.Result{}
	}
	return res, err
}

func (o *Orchestrator) sent(ctx context.Context, n *notification.Notification, p provider.Provider, res *provider.Result, fallbackUsed bool) (Result, error) {
	now := o.now().UTC()
	meta := map[string]interface{}{
		notification.MetaProvider:      p.Name(),
		notification.MetaProviderMsgID: res.MessageID,
	}
	if fallbackUsed {
		meta[notification.MetaFallbackUsed] = true
	}
	err := o.store.UpdateStatus(ctx, n.ID, notification.Transition{
		From:   []notification.Status{notification.StatusProcessing},
		To:     notification.StatusSent,
		SentAt: &now,
		Meta:   meta,
	})
	if err != nil {
		return Result{}, fmt.Errorf("mark sent: %w", err)
	}
	o.finished(ctx, n, notification.StatusSent, "")
	return Result{Status: notification.StatusSent}, nil
}

// retry moves the notification to retrying, or to failed once the
// retry budget is spent.
func (o *Orchestrator) retry(ctx context.Context, n *notification.Notification, cause error) (Result, error) {
	return o.retryWith(ctx, n, cause, nil)
}

func (o *Orchestrator) retryWith(ctx context.Context, n *notification.Notification, cause error, meta map[string]interface{}) (Result, error) {
	next := n.RetryAttempt + 1
	if next >= n.MaxRetryAttempts {
		return o.failWith(ctx, n, cause, &next, meta)
	}
	msg := cause.Error()
	err := o.store.UpdateStatus(ctx, n.ID, notification.Transition{
		From:         []notification.Status{notification.StatusProcessing},
		To:           notification.StatusRetrying,
		RetryAttempt: &next,
		ErrorMessage: &msg,
		Meta:         meta,
	})
	if err != nil {
		return Result{}, fmt.Errorf("mark retrying: %w", err)
	}
	l := log.Ctx(ctx)
	l.Info().Int("retry_attempt", next).Int("max_retry_attempts", n.MaxRetryAttempts).Msg("notification will be retried")
	return Result{Status: notification.StatusRetrying, Retry: true}, nil
}

func (o *Orchestrator) fail(ctx context.Context, n *notification.Notification, cause error, retryAttempt *int) (Result, error) {
	return o.failWith(ctx, n, cause, retryAttempt, nil)
}

func (o *Orchestrator) failWith(ctx context.Context, n *notification.Notification, cause error, retryAttempt *int, meta map[string]interface{}) (Result, error) {
	msg := cause.Error()
	err := o.store.UpdateStatus(ctx, n.ID, notification.Transition{
		From:         []notification.Status{notification.StatusProcessing},
		To:           notification.StatusFailed,
		RetryAttempt: retryAttempt,
		ErrorMessage: &msg,
		Meta:         meta,
	})
	if err != nil {
		return Result{}, fmt.Errorf("mark failed: %w", err)
	}
	l := log.Ctx(ctx)
	l.Warn().Str("code", provider.ErrorCode(cause)).Str("error", msg).Msg("notification failed")
	o.finished(ctx, n, notification.StatusFailed, msg)
	return Result{Status: notification.StatusFailed}, nil
}

func (o *Orchestrator) finished(ctx context.Context, n *notification.Notification, status notification.Status, errMsg string) {
	o.observer.NotificationFinished(string(n.Channel), status)

	// webhook outcomes are not re-published so endpoints subscribed to
	// notification events cannot feed themselves
	if o.events == nil || n.Channel == notification.ChannelWebhook {
		return
	}
	eventType := pubsub.EventNotificationSent
	if status == notification.StatusFailed {
		eventType = pubsub.EventNotificationFailed
	}
	payload := pubsub.NotificationPayload{
		NotificationID: n.ID,
		Channel:        string(n.Channel),
		Status:         string(status),
		Error:          errMsg,
	}
	if err := pubsub.PublishTenantEvent(ctx, o.events, n.TenantID, eventType, payload); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str("event", eventType).Msg("failed to publish notification event")
	}
}

func (o *Orchestrator) recordEndpoint(ctx context.Context, ep *notification.WebhookEndpoint, success bool) {
	updated, err := o.store.RecordWebhookResult(ctx, ep.ID, success, o.cfg.SuspendThreshold)
	l := log.Ctx(ctx)
	if err != nil {
		l.Error().Err(err).Str(log.FieldEndpointID, ep.ID).Msg("failed to record webhook result")
		return
	}
	if updated.Status == notification.EndpointSuspended && ep.Status != notification.EndpointSuspended {
		l.Warn().
			Str(log.FieldEndpointID, ep.ID).
			Int("consecutive_failures", updated.ConsecutiveFailures).
			Msg("webhook endpoint suspended")
	}
	*ep = *updated
}

func (o *Orchestrator) endpointSuspended(ep *notification.WebhookEndpoint) bool {
	return ep != nil && ep.Status == notification.EndpointSuspended
}

// submitEmailFallback sends the email_fallback descriptor once, on the
// first failed live delivery, and returns the meta recording it.
func (o *Orchestrator) submitEmailFallback(ctx context.Context, n *notification.Notification) map[string]interface{} {
	if o.fallback == nil || n.EmailFallback == nil || n.MetaString(notification.MetaEmailFallback) != "" {
		return nil
	}
	l := log.Ctx(ctx)
	id, err := o.fallback.SubmitEmailFallback(ctx, n.TenantID, n.EmailFallback, n.Subject, n.Content,
		notification.ReasonWebsocketDeliveryFailed,
		map[string]interface{}{notification.MetaParentID: n.ID},
	)
	if err != nil {
		l.Error().Err(err).Msg("failed to submit email fallback")
		return nil
	}
	l.Info().Str("fallback_notification_id", id).Msg("email fallback submitted")
	return map[string]interface{}{notification.MetaEmailFallback: id}
}
