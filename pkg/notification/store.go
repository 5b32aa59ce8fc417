package notification

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("notification not found")
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
	ErrStatusConflict   = errors.New("notification status changed concurrently")
	ErrNotCancellable   = errors.New("notification can no longer be cancelled")
	ErrInvalidRequest   = errors.New("invalid notification request")
)

// Transition is a conditional status update. It applies only while the
// stored status is one of From.
type Transition struct {
	From         []Status
	To           Status
	RetryAttempt *int
	ErrorMessage *string
	SentAt       *time.Time
	Meta         map[string]interface{} // merged into the stored meta
}

// Store persists notifications and their delivery attempts.
type Store interface {
	SaveNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	UpdateStatus(ctx context.Context, id string, t Transition) error
	AppendDeliveryAttempt(ctx context.Context, a *DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, notificationID string) ([]DeliveryAttempt, error)
	CountDeliveryAttempts(ctx context.Context, notificationID string) (int, error)
	// ListDue returns notifications in one of statuses that were last
	// updated before cutoff and whose schedule has passed.
	ListDue(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]Notification, error)
}

// WebhookStore persists webhook endpoints.
type WebhookStore interface {
	SaveWebhookEndpoint(ctx context.Context, e *WebhookEndpoint) error
	GetWebhookEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, tenantID string) ([]WebhookEndpoint, error)
	// GetWebhookEndpointsFor returns the tenant's active endpoints
	// subscribed to eventType.
	GetWebhookEndpointsFor(ctx context.Context, eventType, tenantID string) ([]WebhookEndpoint, error)
	// RecordWebhookResult resets consecutive_failures on success, or
	// increments it and suspends the endpoint once it reaches threshold.
	RecordWebhookResult(ctx context.Context, endpointID string, success bool, threshold int) (*WebhookEndpoint, error)
	ReactivateWebhookEndpoint(ctx context.Context, id string) error
}
