// Package notification holds the notification domain shared by the chat and
// notification services: entities, the status state machine, storage
// contracts and the submission service.
package notification

import (
	"strings"
	"time"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelWebsocket Channel = "websocket"
	ChannelWebhook   Channel = "webhook"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWebsocket, ChannelWebhook:
		return true
	}
	return false
}

// Priority is informational; queue order is by due time.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Meta keys written by the delivery pipeline.
const (
	MetaFallbackReason = "fallback_reason"
	MetaParentID       = "parent_notification_id"
	MetaMessageID      = "message_id"
	MetaProvider       = "provider"
	MetaProviderMsgID  = "provider_message_id"
	MetaFallbackUsed   = "fallback_used"
	MetaEventID        = "event_id"
	MetaEmailFallback  = "email_fallback_notification_id"
	// MetaSenderID names the user a live notification must not be
	// delivered back to.
	MetaSenderID = "sender_id"
)

// Fallback reasons.
const (
	ReasonNoOnlineUsers           = "no_online_users"
	ReasonWebsocketDeliveryFailed = "websocket_delivery_failed"
)

// EmailFallback describes the email to send when live delivery fails.
// Empty Subject or Content inherit from the parent payload.
type EmailFallback struct {
	To      string   `json:"to_email"`
	Subject string   `json:"subject,omitempty"`
	Content string   `json:"content,omitempty"`
	From    string   `json:"from_email,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
}

// Notification is a unit of asynchronous delivery work.
type Notification struct {
	ID       string
	TenantID string
	Channel  Channel
	Priority Priority

	Subject string
	Content string
	Meta    map[string]interface{}

	// email
	To      []string
	CC      []string
	BCC     []string
	From    string
	ReplyTo string

	// websocket
	RoomID      string
	RecipientID string

	// webhook
	EndpointID string
	EventType  string

	EmailFallback *EmailFallback

	MaxRetryAttempts int
	RetryAttempt     int
	Status           Status
	ErrorMessage     string

	ScheduledFor *time.Time
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecipientCount is the number of addresses an email goes to.
func (n *Notification) RecipientCount() int {
	return len(n.To) + len(n.CC) + len(n.BCC)
}

// MetaString returns a string meta value or "".
func (n *Notification) MetaString(key string) string {
	if n.Meta == nil {
		return ""
	}
	s, _ := n.Meta[key].(string)
	return s
}

// DeliveryAttempt is the immutable record of one delivery try.
type DeliveryAttempt struct {
	ID                string
	NotificationID    string
	AttemptNumber     int
	Provider          string
	Success           bool
	ProviderMessageID string
	ResponseTime      time.Duration
	ErrorCode         string
	ErrorMessage      string
	AttemptedAt       time.Time
}

// EndpointStatus is the lifecycle state of a webhook endpoint.
type EndpointStatus string

const (
	EndpointActive              EndpointStatus = "active"
	EndpointSuspended           EndpointStatus = "suspended"
	EndpointPendingVerification EndpointStatus = "pending_verification"
)

// WildcardEvent subscribes an endpoint to every event type.
const WildcardEvent = "*"

// WebhookEndpoint is a tenant-registered HTTP callback.
type WebhookEndpoint struct {
	ID                  string
	TenantID            string
	URL                 string
	Secret              string
	Description         string
	EventTypes          []string
	ConsecutiveFailures int
	Status              EndpointStatus
	TimeoutSeconds      int
	MaxRetryAttempts    int
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Subscribes reports whether the endpoint wants eventType. A trailing
// ".*" matches a whole family, e.g. "user.*".
func (e *WebhookEndpoint) Subscribes(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == WildcardEvent || t == eventType {
			return true
		}
		if strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(t, "*")) {
			return true
		}
	}
	return false
}

// Active reports whether the endpoint accepts deliveries.
func (e *WebhookEndpoint) Active() bool {
	return e.Status == EndpointActive
}

// Timeout returns the per-call timeout, defaulting to 30s.
func (e *WebhookEndpoint) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}
