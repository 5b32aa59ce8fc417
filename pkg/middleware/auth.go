package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-relay/pkg/credential"
	pkglog "github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

const (
	TenantIDKey   = pkglog.FieldTenantID
	UserIDKey     = pkglog.FieldUserID
	IdentityKey   = "identity"
	APIKeyHeader  = "X-API-Key"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// APIKeyVerifier resolves a raw API key to an identity.
type APIKeyVerifier interface {
	VerifyAPIKey(ctx context.Context, raw string) (*credential.Identity, error)
}

// AuthMiddleware authenticates tenant API requests.
type AuthMiddleware struct {
	verifier APIKeyVerifier
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(verifier APIKeyVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// RequireAPIKey accepts the key from X-API-Key or an Authorization bearer.
func (m *AuthMiddleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(APIKeyHeader)
		if raw == "" {
			if h := c.GetHeader(AuthHeaderKey); strings.HasPrefix(h, BearerPrefix) {
				raw = strings.TrimPrefix(h, BearerPrefix)
			}
		}
		if raw == "" {
			response.Unauthorized(c, "missing api key")
			return
		}

		id, err := m.verifier.VerifyAPIKey(c.Request.Context(), raw)
		if err != nil {
			if !errors.Is(err, credential.ErrInvalidCredential) {
				l := pkglog.Ctx(c.Request.Context())
				l.Error().Err(err).Msg("api key verification failed")
			}
			response.Unauthorized(c, "invalid api key")
			return
		}

		c.Set(TenantIDKey, id.TenantID)
		c.Set(UserIDKey, id.UserID)
		c.Set(IdentityKey, id)
		c.Request = c.Request.WithContext(pkglog.WithTenant(c.Request.Context(), id.TenantID, id.UserID))

		c.Next()
	}
}

// RequireMaster rejects scoped keys. Must run after RequireAPIKey.
func RequireMaster() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := GetIdentity(c); id == nil || !id.Master {
			response.Forbidden(c, "master api key required")
			return
		}
		c.Next()
	}
}

// RequirePermission rejects identities lacking perm.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := GetIdentity(c); id == nil || !id.Can(perm) {
			response.Forbidden(c, "missing permission "+perm)
			return
		}
		c.Next()
	}
}

// GetTenantID extracts the tenant id from the Gin context.
func GetTenantID(c *gin.Context) string {
	return c.GetString(TenantIDKey)
}

// GetUserID extracts the scoped user id from the Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetIdentity extracts the verified identity from the Gin context.
func GetIdentity(c *gin.Context) *credential.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(*credential.Identity); ok {
			return id
		}
	}
	return nil
}
