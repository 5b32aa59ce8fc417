package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

var knownPermissions = map[string]bool{
	credential.PermissionReadMessages:  true,
	credential.PermissionSendMessages:  true,
	credential.PermissionManageRooms:   true,
	credential.PermissionNotifications: true,
}

// IssueToken signs a connection token for one of the tenant's users.
func (h *Handler) IssueToken(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	if h.deps.Tokens == nil {
		response.ServiceUnavailable(c, "connection tokens are disabled")
		return
	}
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	token, exp, err := h.deps.Tokens.Issue(middleware.GetTenantID(c), req.UserID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldUserID, req.UserID).Msg("failed to issue token")
		response.InternalError(c, "failed to issue token")
		return
	}
	response.Created(c, TokenResponse{Token: token, ExpiresAt: exp})
}

// IssueKey replaces a user's scoped API key.
func (h *Handler) IssueKey(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	if h.deps.Tenants == nil {
		response.ServiceUnavailable(c, "key management is disabled")
		return
	}
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	for _, p := range req.Permissions {
		if !knownPermissions[p] {
			response.BadRequest(c, fmt.Sprintf("unknown permission %q", p))
			return
		}
	}

	raw, err := h.deps.Tenants.IssueScopedKey(ctx, middleware.GetTenantID(c), req.UserID, req.Permissions)
	if err != nil {
		l.Error().Err(err).Str(log.FieldUserID, req.UserID).Msg("failed to issue scoped key")
		response.InternalError(c, "failed to issue key")
		return
	}

	l.Info().Str(log.FieldUserID, req.UserID).Strs("permissions", req.Permissions).Msg("scoped key issued")
	response.Created(c, KeyResponse{UserID: req.UserID, APIKey: raw})
}

// CreateTenant registers a tenant and returns its master key.
func (h *Handler) CreateTenant(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	if h.deps.Tenants == nil {
		response.ServiceUnavailable(c, "tenant registration is disabled")
		return
	}
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	tenant, raw, err := h.deps.Tenants.CreateTenant(ctx, req.Name)
	if err != nil {
		l.Error().Err(err).Msg("failed to create tenant")
		response.InternalError(c, "failed to create tenant")
		return
	}

	l.Info().Str(log.FieldTenantID, tenant.ID).Str("name", tenant.Name).Msg("tenant registered")
	response.Created(c, TenantResponse{ID: tenant.ID, Name: tenant.Name, APIKey: raw})
}
