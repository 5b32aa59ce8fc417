package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/queue"
)

const (
	DefaultMaxRetryAttempts = 3
	MaxRetryAttemptsCeiling = 10
)

// JobPrefix namespaces notification job ids in the task queue.
const JobPrefix = "notification:"

// JobPayload is the task-queue payload of a notification job.
type JobPayload struct {
	NotificationID string `json:"notification_id"`
	TenantID       string `json:"tenant_id"`
}

// JobID returns the queue job id of a notification.
func JobID(notificationID string) string {
	return JobPrefix + notificationID
}

// Request is a notification submission.
type Request struct {
	TenantID         string                 `json:"-"`
	Channel          Channel                `json:"channel"`
	Priority         Priority               `json:"priority"`
	Subject          string                 `json:"subject"`
	Content          string                 `json:"content"`
	Meta             map[string]interface{} `json:"meta,omitempty"`
	To               []string               `json:"to,omitempty"`
	CC               []string               `json:"cc,omitempty"`
	BCC              []string               `json:"bcc,omitempty"`
	From             string                 `json:"from,omitempty"`
	ReplyTo          string                 `json:"reply_to,omitempty"`
	RoomID           string                 `json:"room_id,omitempty"`
	RecipientID      string                 `json:"recipient_id,omitempty"`
	EndpointID       string                 `json:"endpoint_id,omitempty"`
	EventType        string                 `json:"event_type,omitempty"`
	EmailFallback    *EmailFallback         `json:"email_fallback,omitempty"`
	MaxRetryAttempts int                    `json:"max_retry_attempts,omitempty"`
	ScheduledFor     *time.Time             `json:"scheduled_for,omitempty"`
}

// View is what GetStatus reports.
type View struct {
	Notification *Notification
	Attempts     []DeliveryAttempt
}

// Service accepts, reports and cancels notifications. Delivery itself
// happens in the notification-service workers.
type Service struct {
	store Store
	queue queue.Enqueuer
	now   func() time.Time
}

// NewService creates a Service.
func NewService(store Store, q queue.Enqueuer) *Service {
	return &Service{store: store, queue: q, now: time.Now}
}

// Submit validates and persists the request as pending and schedules it.
// The id is returned even when scheduling fails; the sweeper re-enqueues
// pending notifications that have no job.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if err := validate(&req); err != nil {
		return "", err
	}

	now := s.now().UTC()
	n := &Notification{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		Channel:          req.Channel,
		Priority:         req.Priority,
		Subject:          req.Subject,
		Content:          req.Content,
		Meta:             req.Meta,
		To:               req.To,
		CC:               req.CC,
		BCC:              req.BCC,
		From:             req.From,
		ReplyTo:          req.ReplyTo,
		RoomID:           req.RoomID,
		RecipientID:      req.RecipientID,
		EndpointID:       req.EndpointID,
		EventType:        req.EventType,
		EmailFallback:    req.EmailFallback,
		MaxRetryAttempts: req.MaxRetryAttempts,
		Status:           StatusPending,
		ScheduledFor:     req.ScheduledFor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.SaveNotification(ctx, n); err != nil {
		return "", fmt.Errorf("save notification: %w", err)
	}

	l := log.Ctx(ctx)
	if err := s.Schedule(ctx, n); err != nil {
		l.Warn().Err(err).Str(log.FieldNotificationID, n.ID).Msg("failed to enqueue notification, sweeper will retry")
	}

	l.Info().
		Str(log.FieldNotificationID, n.ID).
		Str(log.FieldTenantID, n.TenantID).
		Str(log.FieldChannel, string(n.Channel)).
		Str("priority", string(n.Priority)).
		Msg("notification submitted")
	return n.ID, nil
}

// Schedule enqueues the notification's job at its scheduled time.
func (s *Service) Schedule(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(JobPayload{NotificationID: n.ID, TenantID: n.TenantID})
	if err != nil {
		return err
	}
	var notBefore time.Time
	if n.ScheduledFor != nil {
		notBefore = *n.ScheduledFor
	}
	return s.queue.Enqueue(ctx, JobID(n.ID), payload, notBefore)
}

// SubmitEmailFallback turns a failed live delivery into an email
// notification. subject and content fill blanks in the descriptor.
func (s *Service) SubmitEmailFallback(ctx context.Context, tenantID string, fb *EmailFallback, subject, content, reason string, meta map[string]interface{}) (string, error) {
	if fb == nil {
		return "", fmt.Errorf("%w: missing email fallback", ErrInvalidRequest)
	}
	m := map[string]interface{}{MetaFallbackReason: reason}
	for k, v := range meta {
		m[k] = v
	}
	req := Request{
		TenantID: tenantID,
		Channel:  ChannelEmail,
		Priority: PriorityNormal,
		Subject:  firstNonEmpty(fb.Subject, subject),
		Content:  firstNonEmpty(fb.Content, content),
		Meta:     m,
		To:       []string{fb.To},
		CC:       fb.CC,
		BCC:      fb.BCC,
		From:     fb.From,
		ReplyTo:  fb.ReplyTo,
	}
	return s.Submit(ctx, req)
}

// GetStatus returns the notification and its attempts. Notifications of
// other tenants are reported as not found.
func (s *Service) GetStatus(ctx context.Context, tenantID, id string) (*View, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.TenantID != tenantID {
		return nil, ErrNotFound
	}
	attempts, err := s.store.ListDeliveryAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return &View{Notification: n, Attempts: attempts}, nil
}

// Cancel stops a notification that is pending or waiting for a retry. An
// attempt already processing runs to completion.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.TenantID != tenantID {
		return ErrNotFound
	}
	if !n.Status.Cancellable() {
		return ErrNotCancellable
	}

	err = s.store.UpdateStatus(ctx, id, Transition{
		From: []Status{StatusPending, StatusRetrying},
		To:   StatusCancelled,
	})
	if errors.Is(err, ErrStatusConflict) {
		return ErrNotCancellable
	}
	if err != nil {
		return err
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldNotificationID, id).Msg("notification cancelled")
	return nil
}

func validate(req *Request) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
	}

	if req.TenantID == "" {
		return invalid("tenant is required")
	}
	if !req.Channel.Valid() {
		return invalid("unknown channel %q", req.Channel)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !req.Priority.Valid() {
		return invalid("unknown priority %q", req.Priority)
	}
	if req.MaxRetryAttempts == 0 {
		req.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if req.MaxRetryAttempts < 1 || req.MaxRetryAttempts > MaxRetryAttemptsCeiling {
		return invalid("max_retry_attempts must be between 1 and %d", MaxRetryAttemptsCeiling)
	}

	switch req.Channel {
	case ChannelEmail:
		if len(req.To) == 0 {
			return invalid("email requires at least one recipient")
		}
		if strings.TrimSpace(req.Subject) == "" {
			return invalid("email requires a subject")
		}
		for _, group := range [][]string{req.To, req.CC, req.BCC} {
			for _, addr := range group {
				if _, err := mail.ParseAddress(addr); err != nil {
					return invalid("invalid address %q", addr)
				}
			}
		}
	case ChannelWebsocket:
		if req.RoomID == "" && req.RecipientID == "" && req.EmailFallback == nil {
			return invalid("websocket requires room_id, recipient_id or email_fallback")
		}
		if req.RoomID != "" && req.RecipientID != "" {
			return invalid("room_id and recipient_id are mutually exclusive")
		}
	case ChannelWebhook:
		if req.EndpointID == "" || req.EventType == "" {
			return invalid("webhook requires endpoint_id and event_type")
		}
	}

	if req.EmailFallback != nil {
		if _, err := mail.ParseAddress(req.EmailFallback.To); err != nil {
			return invalid("invalid email_fallback address %q", req.EmailFallback.To)
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
