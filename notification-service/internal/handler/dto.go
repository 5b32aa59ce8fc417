package handler

import (
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// SubmitResponse is returned for an accepted notification.
type SubmitResponse struct {
	ID     string              `json:"id"`
	Status notification.Status `json:"status"`
}

// AttemptView is one delivery attempt as reported to tenants.
type AttemptView struct {
	AttemptNumber     int       `json:"attempt_number"`
	Provider          string    `json:"provider"`
	Success           bool      `json:"success"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ResponseTimeMs    int64     `json:"response_time_ms"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	AttemptedAt       time.Time `json:"attempted_at"`
}

// NotificationView is the status report of a notification.
type NotificationView struct {
	ID               string                 `json:"id"`
	Channel          notification.Channel   `json:"channel"`
	Priority         notification.Priority  `json:"priority"`
	Status           notification.Status    `json:"status"`
	Subject          string                 `json:"subject,omitempty"`
	To               []string               `json:"to,omitempty"`
	RoomID           string                 `json:"room_id,omitempty"`
	RecipientID      string                 `json:"recipient_id,omitempty"`
	EndpointID       string                 `json:"endpoint_id,omitempty"`
	EventType        string                 `json:"event_type,omitempty"`
	Meta             map[string]interface{} `json:"meta,omitempty"`
	RetryAttempt     int                    `json:"retry_attempt"`
	MaxRetryAttempts int                    `json:"max_retry_attempts"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	ScheduledFor     *time.Time             `json:"scheduled_for,omitempty"`
	SentAt           *time.Time             `json:"sent_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Attempts         []AttemptView          `json:"attempts"`
}

func newNotificationView(v *notification.View) NotificationView {
	n := v.Notification
	out := NotificationView{
		ID:               n.ID,
		Channel:          n.Channel,
		Priority:         n.Priority,
		Status:           n.Status,
		Subject:          n.Subject,
		To:               n.To,
		RoomID:           n.RoomID,
		RecipientID:      n.RecipientID,
		EndpointID:       n.EndpointID,
		EventType:        n.EventType,
		Meta:             n.Meta,
		RetryAttempt:     n.RetryAttempt,
		MaxRetryAttempts: n.MaxRetryAttempts,
		ErrorMessage:     n.ErrorMessage,
		ScheduledFor:     n.ScheduledFor,
		SentAt:           n.SentAt,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
		Attempts:         make([]AttemptView, 0, len(v.Attempts)),
	}
	for _, a := range v.Attempts {
		out.Attempts = append(out.Attempts, AttemptView{
			AttemptNumber:     a.AttemptNumber,
			Provider:          a.Provider,
			Success:           a.Success,
			ProviderMessageID: a.ProviderMessageID,
			ResponseTimeMs:    a.ResponseTime.Milliseconds(),
			ErrorCode:         a.ErrorCode,
			ErrorMessage:      a.ErrorMessage,
			AttemptedAt:       a.AttemptedAt,
		})
	}
	return out
}

// CreateWebhookRequest registers a webhook endpoint.
type CreateWebhookRequest struct {
	URL              string   `json:"url" binding:"required"`
	Secret           string   `json:"secret"`
	Description      string   `json:"description"`
	EventTypes       []string `json:"event_types" binding:"required,min=1"`
	TimeoutSeconds   int      `json:"timeout_seconds" binding:"omitempty,min=1,max=60"`
	MaxRetryAttempts int      `json:"max_retry_attempts" binding:"omitempty,min=1,max=10"`
}

// WebhookView is a webhook endpoint as reported to tenants. The secret is
// only included right after registration.
type WebhookView struct {
	ID                  string                      `json:"id"`
	URL                 string                      `json:"url"`
	Secret              string                      `json:"secret,omitempty"`
	Description         string                      `json:"description,omitempty"`
	EventTypes          []string                    `json:"event_types"`
	Status              notification.EndpointStatus `json:"status"`
	ConsecutiveFailures int                         `json:"consecutive_failures"`
	TimeoutSeconds      int                         `json:"timeout_seconds"`
	MaxRetryAttempts    int                         `json:"max_retry_attempts"`
	LastSuccessAt       *time.Time                  `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time                  `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time                   `json:"created_at"`
}

func newWebhookView(e *notification.WebhookEndpoint, withSecret bool) WebhookView {
	v := WebhookView{
		ID:                  e.ID,
		URL:                 e.URL,
		Description:         e.Description,
		EventTypes:          e.EventTypes,
		Status:              e.Status,
		ConsecutiveFailures: e.ConsecutiveFailures,
		TimeoutSeconds:      e.TimeoutSeconds,
		MaxRetryAttempts:    e.MaxRetryAttempts,
		LastSuccessAt:       e.LastSuccessAt,
		LastFailureAt:       e.LastFailureAt,
		CreatedAt:           e.CreatedAt,
	}
	if withSecret {
		v.Secret = e.Secret
	}
	return v
}

// IssueTokenRequest asks for a connection token.
type IssueTokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// TokenResponse carries a connection token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueKeyRequest asks for a scoped user key.
type IssueKeyRequest struct {
	UserID      string   `json:"user_id" binding:"required"`
	Permissions []string `json:"permissions"`
}

// KeyResponse carries a raw API key. It is shown once.
type KeyResponse struct {
	UserID string `json:"user_id,omitempty"`
	APIKey string `json:"api_key"`
}

// CreateTenantRequest registers a tenant.
type CreateTenantRequest struct {
	Name string `json:"name" binding:"required"`
}

// TenantResponse carries a new tenant and its master key.
type TenantResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}
