package credential

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUserMismatch      = errors.New("credential does not belong to user")
)

// Permissions a scoped key may carry.
const (
	PermissionReadMessages  = "read_messages"
	PermissionSendMessages  = "send_messages"
	PermissionManageRooms   = "manage_rooms"
	PermissionNotifications = "send_notifications"
)

// TenantKey is a stored master key candidate.
type TenantKey struct {
	TenantID string
	Hash     string
}

// ScopedKey is a stored per-user key candidate.
type ScopedKey struct {
	TenantID    string
	UserID      string
	Hash        string
	Permissions []string
}

// KeyStore returns active key candidates sharing a prefix.
type KeyStore interface {
	TenantKeysByPrefix(ctx context.Context, prefix string) ([]TenantKey, error)
	ScopedKeysByPrefix(ctx context.Context, prefix string) ([]ScopedKey, error)
}

// Identity is the result of a successful verification.
type Identity struct {
	TenantID    string
	UserID      string // empty for master keys
	Master      bool
	Scoped      bool
	Permissions []string
}

// Can reports whether the identity holds perm. Master keys hold all.
func (i *Identity) Can(perm string) bool {
	if i.Master {
		return true
	}
	for _, p := range i.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Allows is Can for chat sessions. Connection tokens act for their user
// with every permission; scoped keys only hold the ones they carry.
func (i *Identity) Allows(perm string) bool {
	return !i.Scoped || i.Can(perm)
}

// Verifier checks API keys and connection tokens.
type Verifier struct {
	keys   KeyStore
	tokens *TokenManager
}

// NewVerifier creates a Verifier. tokens may be nil to disable token auth.
func NewVerifier(keys KeyStore, tokens *TokenManager) *Verifier {
	return &Verifier{keys: keys, tokens: tokens}
}

// VerifyAPIKey resolves a raw master or scoped key.
func (v *Verifier) VerifyAPIKey(ctx context.Context, raw string) (*Identity, error) {
	prefix, err := KeyPrefix(raw)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	masters, err := v.keys.TenantKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant keys: %w", err)
	}
	for _, k := range masters {
		if CompareAPIKey(raw, k.Hash) {
			return &Identity{TenantID: k.TenantID, Master: true}, nil
		}
	}

	scoped, err := v.keys.ScopedKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup scoped keys: %w", err)
	}
	for _, k := range scoped {
		if CompareAPIKey(raw, k.Hash) {
			return &Identity{TenantID: k.TenantID, UserID: k.UserID, Scoped: true, Permissions: k.Permissions}, nil
		}
	}

	return nil, ErrInvalidCredential
}

// VerifyConnect validates the credential of a connect frame for userID.
// Accepted forms: a connection token whose subject is userID, a scoped key
// owned by userID, or the tenant master key.
func (v *Verifier) VerifyConnect(ctx context.Context, userID, credential string) (*Identity, error) {
	if userID == "" || credential == "" {
		return nil, ErrInvalidCredential
	}

	if v.tokens != nil && LooksLikeToken(credential) {
		claims, err := v.tokens.Validate(credential)
		if err != nil {
			return nil, err
		}
		if claims.Subject != userID {
			return nil, ErrUserMismatch
		}
		return &Identity{TenantID: claims.TenantID, UserID: userID}, nil
	}

	id, err := v.VerifyAPIKey(ctx, credential)
	if err != nil {
		return nil, err
	}
	if id.Master {
		return &Identity{TenantID: id.TenantID, UserID: userID, Master: true}, nil
	}
	if id.UserID != userID {
		return nil, ErrUserMismatch
	}
	return id, nil
}
