package store

import (
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// TenantModel is the GORM model for tenants (API clients).
type TenantModel struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	Name         string    `gorm:"type:varchar(100);not null"`
	APIKeyHash   string    `gorm:"type:varchar(100);not null"`
	APIKeyPrefix string    `gorm:"type:varchar(16);index;not null"`
	IsActive     bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (TenantModel) TableName() string { return "tenants" }

// ScopedKeyModel is the GORM model for per-user API keys.
type ScopedKeyModel struct {
	ID           string               `gorm:"type:varchar(36);primaryKey"`
	TenantID     string               `gorm:"type:varchar(36);index:idx_scoped_tenant_user;not null"`
	UserID       string               `gorm:"type:varchar(100);index:idx_scoped_tenant_user;not null"`
	APIKeyHash   string               `gorm:"type:varchar(100);not null"`
	APIKeyPrefix string               `gorm:"type:varchar(16);index;not null"`
	Permissions  database.StringArray `gorm:"type:text"`
	IsActive     bool                 `gorm:"not null;default:true"`
	CreatedAt    time.Time            `gorm:"autoCreateTime"`
}

func (ScopedKeyModel) TableName() string { return "scoped_keys" }

// NotificationModel is the GORM model for notifications.
type NotificationModel struct {
	ID               string                      `gorm:"type:varchar(36);primaryKey"`
	TenantID         string                      `gorm:"type:varchar(36);index;not null"`
	Channel          string                      `gorm:"type:varchar(20);index;not null"`
	Priority         string                      `gorm:"type:varchar(10);index;not null;default:'normal'"`
	Subject          string                      `gorm:"type:varchar(255)"`
	Content          string                      `gorm:"type:text"`
	Meta             database.JSONMap            `gorm:"type:text"`
	ToAddrs          database.StringArray        `gorm:"column:to_addrs;type:text"`
	CC               database.StringArray        `gorm:"column:cc;type:text"`
	BCC              database.StringArray        `gorm:"column:bcc;type:text"`
	FromAddr         string                      `gorm:"column:from_addr;type:varchar(255)"`
	ReplyTo          string                      `gorm:"type:varchar(255)"`
	RoomID           string                      `gorm:"type:varchar(64)"`
	RecipientID      string                      `gorm:"type:varchar(100)"`
	EndpointID       string                      `gorm:"type:varchar(36);index"`
	EventType        string                      `gorm:"type:varchar(100)"`
	EmailFallback    *notification.EmailFallback `gorm:"type:text;serializer:json"`
	MaxRetryAttempts int                         `gorm:"not null;default:3"`
	RetryAttempt     int                         `gorm:"not null;default:0"`
	Status           string                      `gorm:"type:varchar(20);index;not null"`
	ErrorMessage     string                      `gorm:"type:text"`
	ScheduledFor     *time.Time                  `gorm:"index"`
	SentAt           *time.Time
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time `gorm:"index"`
}

func (NotificationModel) TableName() string { return "notifications" }

// ToDomain converts the model to a notification.
func (m *NotificationModel) ToDomain() *notification.Notification {
	return &notification.Notification{
		ID:               m.ID,
		TenantID:         m.TenantID,
		Channel:          notification.Channel(m.Channel),
		Priority:         notification.Priority(m.Priority),
		Subject:          m.Subject,
		Content:          m.Content,
		Meta:             map[string]interface{}(m.Meta),
		To:               []string(m.ToAddrs),
		CC:               []string(m.CC),
		BCC:              []string(m.BCC),
		From:             m.FromAddr,
		ReplyTo:          m.ReplyTo,
		RoomID:           m.RoomID,
		RecipientID:      m.RecipientID,
		EndpointID:       m.EndpointID,
		EventType:        m.EventType,
		EmailFallback:    m.EmailFallback,
		MaxRetryAttempts: m.MaxRetryAttempts,
		RetryAttempt:     m.RetryAttempt,
		Status:           notification.Status(m.Status),
		ErrorMessage:     m.ErrorMessage,
		ScheduledFor:     m.ScheduledFor,
		SentAt:           m.SentAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// NotificationToModel converts a notification to its model.
func NotificationToModel(n *notification.Notification) *NotificationModel {
	return &NotificationModel{
		ID:               n.ID,
		TenantID:         n.TenantID,
		Channel:          string(n.Channel),
		Priority:         string(n.Priority),
		Subject:          n.Subject,
		Content:          n.Content,
		Meta:             database.JSONMap(n.Meta),
		ToAddrs:          database.StringArray(n.To),
		CC:               database.StringArray(n.CC),
		BCC:              database.StringArray(n.BCC),
		FromAddr:         n.From,
		ReplyTo:          n.ReplyTo,
		RoomID:           n.RoomID,
		RecipientID:      n.RecipientID,
		EndpointID:       n.EndpointID,
		EventType:        n.EventType,
		EmailFallback:    n.EmailFallback,
		MaxRetryAttempts: n.MaxRetryAttempts,
		RetryAttempt:     n.RetryAttempt,
		Status:           string(n.Status),
		ErrorMessage:     n.ErrorMessage,
		ScheduledFor:     utc(n.ScheduledFor),
		SentAt:           utc(n.SentAt),
		CreatedAt:        n.CreatedAt.UTC(),
		UpdatedAt:        n.UpdatedAt.UTC(),
	}
}

// utc normalizes stored times so text-encoded timestamps compare correctly.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// DeliveryAttemptModel is the GORM model for delivery attempts.
type DeliveryAttemptModel struct {
	ID                string    `gorm:"type:varchar(36);primaryKey"`
	NotificationID    string    `gorm:"type:varchar(36);index;not null"`
	AttemptNumber     int       `gorm:"not null"`
	Provider          string    `gorm:"type:varchar(50)"`
	Success           bool      `gorm:"index;not null"`
	ProviderMessageID string    `gorm:"type:varchar(255)"`
	ResponseTimeMs    int64     `gorm:"column:response_time_ms"`
	ErrorCode         string    `gorm:"type:varchar(50)"`
	ErrorMessage      string    `gorm:"type:text"`
	AttemptedAt       time.Time `gorm:"index;not null"`
}

func (DeliveryAttemptModel) TableName() string { return "notification_delivery_attempts" }

func (m *DeliveryAttemptModel) toDomain() notification.DeliveryAttempt {
	return notification.DeliveryAttempt{
		ID:                m.ID,
		NotificationID:    m.NotificationID,
		AttemptNumber:     m.AttemptNumber,
		Provider:          m.Provider,
		Success:           m.Success,
		ProviderMessageID: m.ProviderMessageID,
		ResponseTime:      time.Duration(m.ResponseTimeMs) * time.Millisecond,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		AttemptedAt:       m.AttemptedAt,
	}
}

// WebhookEndpointModel is the GORM model for webhook endpoints.
type WebhookEndpointModel struct {
	ID                  string               `gorm:"type:varchar(36);primaryKey"`
	TenantID            string               `gorm:"type:varchar(36);index;not null"`
	URL                 string               `gorm:"type:varchar(2048);not null"`
	Secret              string               `gorm:"type:varchar(255);not null"`
	Description         string               `gorm:"type:varchar(255)"`
	EventTypes          database.StringArray `gorm:"type:text"`
	ConsecutiveFailures int                  `gorm:"not null;default:0"`
	Status              string               `gorm:"type:varchar(32);index;not null"`
	TimeoutSeconds      int                  `gorm:"not null;default:30"`
	MaxRetryAttempts    int                  `gorm:"not null;default:3"`
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	CreatedAt           time.Time `gorm:"autoCreateTime"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

func (WebhookEndpointModel) TableName() string { return "webhook_endpoints" }

func (m *WebhookEndpointModel) toDomain() *notification.WebhookEndpoint {
	return &notification.WebhookEndpoint{
		ID:                  m.ID,
		TenantID:            m.TenantID,
		URL:                 m.URL,
		Secret:              m.Secret,
		Description:         m.Description,
		EventTypes:          []string(m.EventTypes),
		ConsecutiveFailures: m.ConsecutiveFailures,
		Status:              notification.EndpointStatus(m.Status),
		TimeoutSeconds:      m.TimeoutSeconds,
		MaxRetryAttempts:    m.MaxRetryAttempts,
		LastSuccessAt:       m.LastSuccessAt,
		LastFailureAt:       m.LastFailureAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func endpointToModel(e *notification.WebhookEndpoint) *WebhookEndpointModel {
	return &WebhookEndpointModel{
		ID:                  e.ID,
		TenantID:            e.TenantID,
		URL:                 e.URL,
		Secret:              e.Secret,
		Description:         e.Description,
		EventTypes:          database.StringArray(e.EventTypes),
		ConsecutiveFailures: e.ConsecutiveFailures,
		Status:              string(e.Status),
		TimeoutSeconds:      e.TimeoutSeconds,
		MaxRetryAttempts:    e.MaxRetryAttempts,
		LastSuccessAt:       e.LastSuccessAt,
		LastFailureAt:       e.LastFailureAt,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
}

// Models lists every model owned by this package, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&TenantModel{},
		&ScopedKeyModel{},
		&NotificationModel{},
		&DeliveryAttemptModel{},
		&WebhookEndpointModel{},
		&MessageModel{},
		&RoomMemberModel{},
	}
}
