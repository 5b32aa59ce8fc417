// Package notificationtest provides an in-memory notification store for tests.
package notificationtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// Store implements notification.Store and notification.WebhookStore.
type Store struct {
	mu            sync.Mutex
	notifications map[string]notification.Notification
	attempts      map[string][]notification.DeliveryAttempt
	endpoints     map[string]notification.WebhookEndpoint
	transitions   []notification.Status
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		notifications: make(map[string]notification.Notification),
		attempts:      make(map[string][]notification.DeliveryAttempt),
		endpoints:     make(map[string]notification.WebhookEndpoint),
	}
}

func (s *Store) SaveNotification(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = *n
	return nil
}

func (s *Store) GetNotification(_ context.Context, id string) (*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	return &n, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, t notification.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return notification.ErrNotFound
	}
	allowed := false
	for _, f := range t.From {
		if n.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return notification.ErrStatusConflict
	}

	n.Status = t.To
	if t.RetryAttempt != nil {
		n.RetryAttempt = *t.RetryAttempt
	}
	if t.ErrorMessage != nil {
		n.ErrorMessage = *t.ErrorMessage
	}
	if t.SentAt != nil {
		n.SentAt = t.SentAt
	}
	if len(t.Meta) > 0 {
		meta := make(map[string]interface{}, len(n.Meta)+len(t.Meta))
		for k, v := range n.Meta {
			meta[k] = v
		}
		for k, v := range t.Meta {
			meta[k] = v
		}
		n.Meta = meta
	}
	n.UpdatedAt = time.Now().UTC()
	s.notifications[id] = n
	s.transitions = append(s.transitions, t.To)
	return nil
}

func (s *Store) AppendDeliveryAttempt(_ context.Context, a *notification.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.attempts[a.NotificationID] = append(s.attempts[a.NotificationID], *a)
	return nil
}

func (s *Store) ListDeliveryAttempts(_ context.Context, id string) ([]notification.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.DeliveryAttempt(nil), s.attempts[id]...), nil
}

func (s *Store) CountDeliveryAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts[id]), nil
}

func (s *Store) ListDue(_ context.Context, statuses []notification.Status, cutoff time.Time, limit int) ([]notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notification.Notification
	for _, n := range s.notifications {
		match := false
		for _, st := range statuses {
			if n.Status == st {
				match = true
			}
		}
		if !match || n.UpdatedAt.After(cutoff) {
			continue
		}
		if n.ScheduledFor != nil && n.ScheduledFor.After(time.Now()) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every stored notification ordered by creation.
func (s *Store) All() []notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notification.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Transitions returns the target status of every applied update, in order.
func (s *Store) Transitions() []notification.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Status(nil), s.transitions...)
}

func (s *Store) SaveWebhookEndpoint(_ context.Context, e *notification.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = notification.EndpointActive
	}
	s.endpoints[e.ID] = *e
	return nil
}

func (s *Store) GetWebhookEndpoint(_ context.Context, id string) (*notification.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, notification.ErrEndpointNotFound
	}
	return &e, nil
}

func (s *Store) ListWebhookEndpoints(_ context.Context, tenantID string) ([]notification.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.WebhookEndpoint
	for _, e := range s.endpoints {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetWebhookEndpointsFor(_ context.Context, eventType, tenantID string) ([]notification.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.WebhookEndpoint
	for _, e := range s.endpoints {
		if e.TenantID == tenantID && e.Status == notification.EndpointActive && e.Subscribes(eventType) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordWebhookResult(_ context.Context, id string, success bool, threshold int) (*notification.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, notification.ErrEndpointNotFound
	}
	now := time.Now().UTC()
	if success {
		e.ConsecutiveFailures = 0
		e.LastSuccessAt = &now
	} else {
		e.ConsecutiveFailures++
		e.LastFailureAt = &now
		if threshold > 0 && e.ConsecutiveFailures >= threshold {
			e.Status = notification.EndpointSuspended
		}
	}
	s.endpoints[id] = e
	return &e, nil
}

func (s *Store) ReactivateWebhookEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return notification.ErrEndpointNotFound
	}
	e.Status = notification.EndpointActive
	e.ConsecutiveFailures = 0
	s.endpoints[id] = e
	return nil
}
