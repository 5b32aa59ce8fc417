package delivery

import (
	"context"
	"fmt"

	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

// EndpointFinder lists the endpoints subscribed to an event.
type EndpointFinder interface {
	GetWebhookEndpointsFor(ctx context.Context, eventType, tenantID string) ([]notification.WebhookEndpoint, error)
}

// Submitter accepts notifications.
type Submitter interface {
	Submit(ctx context.Context, req notification.Request) (string, error)
}

// Fanout turns domain events into one webhook notification per
// subscribed endpoint.
type Fanout struct {
	sub       pubsub.Subscriber
	endpoints EndpointFinder
	submitter Submitter
}

// NewFanout creates a Fanout.
func NewFanout(sub pubsub.Subscriber, endpoints EndpointFinder, submitter Submitter) *Fanout {
	return &Fanout{sub: sub, endpoints: endpoints, submitter: submitter}
}

// Run consumes every tenant's events until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	events, err := f.sub.SubscribePattern(ctx, pubsub.PatternAllTenantEvents)
	if err != nil {
		return fmt.Errorf("subscribe to tenant events: %w", err)
	}
	defer f.sub.Unsubscribe(context.Background(), pubsub.PatternAllTenantEvents)

	l := log.Ctx(ctx)
	l.Info().Str("pattern", pubsub.PatternAllTenantEvents).Msg("webhook fan-out started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := f.Handle(ctx, evt); err != nil {
				l.Error().Err(err).Str("event", evt.Type).Str(log.FieldTenantID, evt.TenantID).Msg("webhook fan-out failed")
			}
		}
	}
}

// Handle submits the webhook notifications of one event and returns how
// many were accepted.
func (f *Fanout) Handle(ctx context.Context, evt *pubsub.Event) (int, error) {
	if evt == nil || evt.TenantID == "" || evt.Type == "" {
		return 0, nil
	}
	endpoints, err := f.endpoints.GetWebhookEndpointsFor(ctx, evt.Type, evt.TenantID)
	if err != nil {
		return 0, fmt.Errorf("find endpoints: %w", err)
	}

	l := log.Ctx(ctx)
	submitted := 0
	for _, ep := range endpoints {
		retries := ep.MaxRetryAttempts
		if retries > notification.MaxRetryAttemptsCeiling {
			retries = notification.MaxRetryAttemptsCeiling
		}
		id, err := f.submitter.Submit(ctx, notification.Request{
			TenantID:         evt.TenantID,
			Channel:          notification.ChannelWebhook,
			Priority:         notification.PriorityNormal,
			Content:          string(evt.Payload),
			Meta:             map[string]interface{}{notification.MetaEventID: evt.ID},
			EndpointID:       ep.ID,
			EventType:        evt.Type,
			MaxRetryAttempts: retries,
		})
		if err != nil {
			l.Error().Err(err).Str(log.FieldEndpointID, ep.ID).Str("event", evt.Type).Msg("failed to submit webhook notification")
			continue
		}
		submitted++
		l.Debug().Str(log.FieldNotificationID, id).Str(log.FieldEndpointID, ep.ID).Str("event", evt.Type).Msg("webhook notification submitted")
	}
	return submitted, nil
}
