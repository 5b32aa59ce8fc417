package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/database"
)

var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is an API client owning users, rooms and notifications.
type Tenant struct {
	ID       string
	Name     string
	IsActive bool
}

// CreateTenant registers a tenant and returns its raw master key.
func (s *GormStore) CreateTenant(ctx context.Context, name string) (*Tenant, string, error) {
	raw, hash, prefix, err := credential.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	m := &TenantModel{
		ID:           uuid.NewString(),
		Name:         name,
		APIKeyHash:   hash,
		APIKeyPrefix: prefix,
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, "", fmt.Errorf("create tenant: %w", err)
	}
	return &Tenant{ID: m.ID, Name: m.Name, IsActive: true}, raw, nil
}

// GetTenant loads a tenant by id.
func (s *GormStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var m TenantModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &Tenant{ID: m.ID, Name: m.Name, IsActive: m.IsActive}, nil
}

// IssueScopedKey replaces the user's active scoped key and returns the raw key.
func (s *GormStore) IssueScopedKey(ctx context.Context, tenantID, userID string, permissions []string) (string, error) {
	raw, hash, prefix, err := credential.GenerateAPIKey()
	if err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ScopedKeyModel{}).
			Where("tenant_id = ? AND user_id = ? AND is_active = ?", tenantID, userID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&ScopedKeyModel{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			UserID:       userID,
			APIKeyHash:   hash,
			APIKeyPrefix: prefix,
			Permissions:  database.StringArray(permissions),
			IsActive:     true,
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("issue scoped key: %w", err)
	}
	return raw, nil
}

// TenantKeysByPrefix implements credential.KeyStore.
func (s *GormStore) TenantKeysByPrefix(ctx context.Context, prefix string) ([]credential.TenantKey, error) {
	var models []TenantModel
	err := s.db.WithContext(ctx).
		Select("id", "api_key_hash").
		Where("api_key_prefix = ? AND is_active = ?", prefix, true).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]credential.TenantKey, len(models))
	for i, m := range models {
		out[i] = credential.TenantKey{TenantID: m.ID, Hash: m.APIKeyHash}
	}
	return out, nil
}

// ScopedKeysByPrefix implements credential.KeyStore. Keys of inactive
// tenants are excluded.
func (s *GormStore) ScopedKeysByPrefix(ctx context.Context, prefix string) ([]credential.ScopedKey, error) {
	var models []ScopedKeyModel
	err := s.db.WithContext(ctx).
		Select("scoped_keys.*").
		Joins("JOIN tenants ON tenants.id = scoped_keys.tenant_id AND tenants.is_active = ?", true).
		Where("scoped_keys.api_key_prefix = ? AND scoped_keys.is_active = ?", prefix, true).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]credential.ScopedKey, len(models))
	for i, m := range models {
		out[i] = credential.ScopedKey{
			TenantID:    m.TenantID,
			UserID:      m.UserID,
			Hash:        m.APIKeyHash,
			Permissions: []string(m.Permissions),
		}
	}
	return out, nil
}
