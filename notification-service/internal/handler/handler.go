package handler

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/response"
	"github.com/weiawesome/wes-io-relay/pkg/store"
)

// HeaderAdminToken authenticates operator calls.
const HeaderAdminToken = "X-Admin-Token"

// NotificationService accepts, reports and cancels notifications.
type NotificationService interface {
	Submit(ctx context.Context, req notification.Request) (string, error)
	GetStatus(ctx context.Context, tenantID, id string) (*notification.View, error)
	Cancel(ctx context.Context, tenantID, id string) error
}

// WebhookStore persists tenant webhook endpoints.
type WebhookStore interface {
	SaveWebhookEndpoint(ctx context.Context, e *notification.WebhookEndpoint) error
	GetWebhookEndpoint(ctx context.Context, id string) (*notification.WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, tenantID string) ([]notification.WebhookEndpoint, error)
	ReactivateWebhookEndpoint(ctx context.Context, id string) error
}

// TokenIssuer signs connection tokens.
type TokenIssuer interface {
	Issue(tenantID, userID string) (string, time.Time, error)
}

// TenantStore registers tenants and their user keys.
type TenantStore interface {
	CreateTenant(ctx context.Context, name string) (*store.Tenant, string, error)
	IssueScopedKey(ctx context.Context, tenantID, userID string, permissions []string) (string, error)
}

// SubmitObserver is told about accepted notifications.
type SubmitObserver interface {
	Submitted(channel notification.Channel)
}

// Deps are the collaborators of Handler. Tokens and Tenants may be nil,
// which disables their routes.
type Deps struct {
	Notifications NotificationService
	Webhooks      WebhookStore
	Tokens        TokenIssuer
	Tenants       TenantStore
	Observer      SubmitObserver
	// AdminToken guards tenant registration. Empty disables it.
	AdminToken string
}

// Handler serves the notification-service HTTP API.
type Handler struct {
	deps           Deps
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(deps Deps, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{deps: deps, authMiddleware: authMiddleware}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1", h.authMiddleware.RequireAPIKey())
	{
		notifications := api.Group("/notifications")
		{
			notifications.POST("", middleware.RequirePermission(credential.PermissionNotifications), h.SubmitNotification)
			notifications.GET("/:id", h.GetNotification)
			notifications.POST("/:id/cancel", middleware.RequirePermission(credential.PermissionNotifications), h.CancelNotification)
		}

		webhooks := api.Group("/webhooks", middleware.RequireMaster())
		{
			webhooks.POST("", h.CreateWebhook)
			webhooks.GET("", h.ListWebhooks)
			webhooks.POST("/:id/reactivate", h.ReactivateWebhook)
		}

		api.POST("/tokens", middleware.RequireMaster(), h.IssueToken)
		api.POST("/keys", middleware.RequireMaster(), h.IssueKey)
	}

	admin := r.Group("/admin/v1", h.requireAdmin())
	{
		admin.POST("/tenants", h.CreateTenant)
	}
}

func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminToken)
		if h.deps.AdminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.deps.AdminToken)) != 1 {
			response.Unauthorized(c, "invalid admin token")
			return
		}
		c.Next()
	}
}
