package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// SaveWebhookEndpoint inserts or replaces an endpoint.
func (s *GormStore) SaveWebhookEndpoint(ctx context.Context, e *notification.WebhookEndpoint) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = notification.EndpointActive
	}
	m := endpointToModel(e)
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return err
	}
	e.CreatedAt, e.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

// GetWebhookEndpoint loads an endpoint by id.
func (s *GormStore) GetWebhookEndpoint(ctx context.Context, id string) (*notification.WebhookEndpoint, error) {
	var m WebhookEndpointModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notification.ErrEndpointNotFound
		}
		return nil, err
	}
	return m.toDomain(), nil
}

// ListWebhookEndpoints returns every endpoint of a tenant.
func (s *GormStore) ListWebhookEndpoints(ctx context.Context, tenantID string) ([]notification.WebhookEndpoint, error) {
	var models []WebhookEndpointModel
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]notification.WebhookEndpoint, len(models))
	for i := range models {
		out[i] = *models[i].toDomain()
	}
	return out, nil
}

// GetWebhookEndpointsFor returns the tenant's active endpoints subscribed
// to eventType. Subscriptions are matched in memory since event types are
// stored as a JSON list.
func (s *GormStore) GetWebhookEndpointsFor(ctx context.Context, eventType, tenantID string) ([]notification.WebhookEndpoint, error) {
	var models []WebhookEndpointModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, string(notification.EndpointActive)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	var out []notification.WebhookEndpoint
	for i := range models {
		e := models[i].toDomain()
		if e.Subscribes(eventType) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// RecordWebhookResult updates the failure streak atomically and suspends
// the endpoint when the streak reaches threshold.
func (s *GormStore) RecordWebhookResult(ctx context.Context, endpointID string, success bool, threshold int) (*notification.WebhookEndpoint, error) {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&WebhookEndpointModel{}).Where("id = ?", endpointID)

		var res *gorm.DB
		if success {
			res = q.Updates(map[string]interface{}{
				"consecutive_failures": 0,
				"last_success_at":      now,
				"updated_at":           now,
			})
		} else {
			res = q.Updates(map[string]interface{}{
				"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
				"last_failure_at":      now,
				"updated_at":           now,
			})
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notification.ErrEndpointNotFound
		}

		if !success && threshold > 0 {
			err := tx.Model(&WebhookEndpointModel{}).
				Where("id = ? AND status = ? AND consecutive_failures >= ?", endpointID, string(notification.EndpointActive), threshold).
				Update("status", string(notification.EndpointSuspended)).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e, err := s.GetWebhookEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if e.Status == notification.EndpointSuspended && !success {
		l := log.Ctx(ctx)
		l.Warn().Str(log.FieldEndpointID, endpointID).Int("consecutive_failures", e.ConsecutiveFailures).Msg("webhook endpoint suspended")
	}
	return e, nil
}

// ReactivateWebhookEndpoint clears the failure streak and reactivates.
func (s *GormStore) ReactivateWebhookEndpoint(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&WebhookEndpointModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":               string(notification.EndpointActive),
			"consecutive_failures": 0,
			"updated_at":           s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notification.ErrEndpointNotFound
	}
	return nil
}
