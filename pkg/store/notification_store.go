// Package store implements the chat, notification, webhook and tenant
// storage contracts on GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// GormStore implements chat.MessageStore, chat.RoomStore,
// notification.Store, notification.WebhookStore and credential.KeyStore.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a GormStore.
func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SaveNotification inserts or replaces a notification.
func (s *GormStore) SaveNotification(ctx context.Context, n *notification.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	m := NotificationToModel(n)
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldNotificationID, n.ID).Msg("failed to save notification")
		return err
	}
	n.CreatedAt, n.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

// GetNotification loads a notification by id.
func (s *GormStore) GetNotification(ctx context.Context, id string) (*notification.Notification, error) {
	var m NotificationModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notification.ErrNotFound
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

// UpdateStatus applies t only while the stored status is one of t.From.
func (s *GormStore) UpdateStatus(ctx context.Context, id string, t notification.Transition) error {
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m NotificationModel
		if err := tx.Select("id", "status", "meta").First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notification.ErrNotFound
			}
			return err
		}

		updates := map[string]interface{}{
			"status":     string(t.To),
			"updated_at": s.now(),
		}
		if t.RetryAttempt != nil {
			updates["retry_attempt"] = *t.RetryAttempt
		}
		if t.ErrorMessage != nil {
			updates["error_message"] = *t.ErrorMessage
		}
		if t.SentAt != nil {
			updates["sent_at"] = t.SentAt.UTC()
		}
		if len(t.Meta) > 0 {
			meta := make(map[string]interface{}, len(m.Meta)+len(t.Meta))
			for k, v := range m.Meta {
				meta[k] = v
			}
			for k, v := range t.Meta {
				meta[k] = v
			}
			updates["meta"] = database.JSONMap(meta)
		}

		res := tx.Model(&NotificationModel{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notification.ErrStatusConflict
		}
		return nil
	})
}

// AppendDeliveryAttempt inserts an attempt record.
func (s *GormStore) AppendDeliveryAttempt(ctx context.Context, a *notification.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = s.now()
	}
	m := &DeliveryAttemptModel{
		ID:                a.ID,
		NotificationID:    a.NotificationID,
		AttemptNumber:     a.AttemptNumber,
		Provider:          a.Provider,
		Success:           a.Success,
		ProviderMessageID: a.ProviderMessageID,
		ResponseTimeMs:    a.ResponseTime.Milliseconds(),
		ErrorCode:         a.ErrorCode,
		ErrorMessage:      a.ErrorMessage,
		AttemptedAt:       a.AttemptedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("append delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns attempts ordered by attempt number.
func (s *GormStore) ListDeliveryAttempts(ctx context.Context, notificationID string) ([]notification.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := s.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]notification.DeliveryAttempt, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// CountDeliveryAttempts returns the number of attempts recorded so far.
func (s *GormStore) CountDeliveryAttempts(ctx context.Context, notificationID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DeliveryAttemptModel{}).
		Where("notification_id = ?", notificationID).
		Count(&n).Error
	return int(n), err
}

// ListDue returns notifications in statuses last touched before cutoff
// whose schedule has passed, oldest first.
func (s *GormStore) ListDue(ctx context.Context, statuses []notification.Status, cutoff time.Time, limit int) ([]notification.Notification, error) {
	st := make([]string, len(statuses))
	for i, v := range statuses {
		st[i] = string(v)
	}
	if limit <= 0 {
		limit = 100
	}

	var models []NotificationModel
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", st, cutoff.UTC()).
		Where("scheduled_for IS NULL OR scheduled_for <= ?", s.now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]notification.Notification, len(models))
	for i := range models {
		out[i] = *models[i].ToDomain()
	}
	return out, nil
}
