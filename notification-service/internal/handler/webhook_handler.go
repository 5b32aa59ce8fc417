package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

const webhookSecretPrefix = "whsec_"

func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return webhookSecretPrefix + hex.EncodeToString(b), nil
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CreateWebhook registers an endpoint. A secret is generated when none is
// given and is returned only in this response.
func (h *Handler) CreateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind webhook request")
		response.BadRequest(c, err.Error())
		return
	}
	if !validWebhookURL(req.URL) {
		response.BadRequest(c, "url must be an absolute http or https url")
		return
	}

	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			l.Error().Err(err).Msg("failed to generate webhook secret")
			response.InternalError(c, "failed to register webhook")
			return
		}
	}
	maxRetries := req.MaxRetryAttempts
	if maxRetries == 0 {
		maxRetries = notification.DefaultMaxRetryAttempts
	}

	e := &notification.WebhookEndpoint{
		TenantID:         middleware.GetTenantID(c),
		URL:              req.URL,
		Secret:           secret,
		Description:      req.Description,
		EventTypes:       req.EventTypes,
		Status:           notification.EndpointActive,
		TimeoutSeconds:   req.TimeoutSeconds,
		MaxRetryAttempts: maxRetries,
	}
	if err := h.deps.Webhooks.SaveWebhookEndpoint(ctx, e); err != nil {
		l.Error().Err(err).Msg("failed to save webhook endpoint")
		response.InternalError(c, "failed to register webhook")
		return
	}

	l.Info().Str(log.FieldEndpointID, e.ID).Strs("event_types", e.EventTypes).Msg("webhook endpoint registered")
	response.Created(c, newWebhookView(e, true))
}

// ListWebhooks lists the tenant's endpoints.
func (h *Handler) ListWebhooks(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	endpoints, err := h.deps.Webhooks.ListWebhookEndpoints(ctx, middleware.GetTenantID(c))
	if err != nil {
		l.Error().Err(err).Msg("failed to list webhook endpoints")
		response.InternalError(c, "failed to list webhooks")
		return
	}

	out := make([]WebhookView, 0, len(endpoints))
	for i := range endpoints {
		out = append(out, newWebhookView(&endpoints[i], false))
	}
	response.Success(c, out)
}

// ReactivateWebhook returns a suspended endpoint to service.
func (h *Handler) ReactivateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	id := c.Param("id")
	e, err := h.deps.Webhooks.GetWebhookEndpoint(ctx, id)
	if err != nil {
		if errors.Is(err, notification.ErrEndpointNotFound) {
			response.NotFound(c, "webhook not found")
			return
		}
		l.Error().Err(err).Str(log.FieldEndpointID, id).Msg("failed to load webhook endpoint")
		response.InternalError(c, "failed to reactivate webhook")
		return
	}
	if e.TenantID != middleware.GetTenantID(c) {
		response.NotFound(c, "webhook not found")
		return
	}

	if err := h.deps.Webhooks.ReactivateWebhookEndpoint(ctx, id); err != nil {
		l.Error().Err(err).Str(log.FieldEndpointID, id).Msg("failed to reactivate webhook endpoint")
		response.InternalError(c, "failed to reactivate webhook")
		return
	}
	e.Status = notification.EndpointActive
	e.ConsecutiveFailures = 0

	l.Info().Str(log.FieldEndpointID, id).Msg("webhook endpoint reactivated")
	response.Success(c, newWebhookView(e, false))
}
