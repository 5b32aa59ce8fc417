package handler

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

// SubmitNotification accepts a notification for asynchronous delivery.
func (h *Handler) SubmitNotification(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req notification.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind notification request")
		response.BadRequest(c, err.Error())
		return
	}
	req.TenantID = middleware.GetTenantID(c)

	id, err := h.deps.Notifications.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, notification.ErrInvalidRequest) {
			response.BadRequest(c, strings.TrimPrefix(err.Error(), notification.ErrInvalidRequest.Error()+": "))
			return
		}
		l.Error().Err(err).Msg("failed to submit notification")
		response.InternalError(c, "failed to submit notification")
		return
	}
	if h.deps.Observer != nil {
		h.deps.Observer.Submitted(req.Channel)
	}

	response.Accepted(c, SubmitResponse{ID: id, Status: notification.StatusPending})
}

// GetNotification reports a notification and its delivery attempts.
func (h *Handler) GetNotification(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	id := c.Param("id")
	view, err := h.deps.Notifications.GetStatus(ctx, middleware.GetTenantID(c), id)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			response.NotFound(c, "notification not found")
			return
		}
		l.Error().Err(err).Str(log.FieldNotificationID, id).Msg("failed to get notification")
		response.InternalError(c, "failed to get notification")
		return
	}

	response.Success(c, newNotificationView(view))
}

// CancelNotification stops a pending or retrying notification.
func (h *Handler) CancelNotification(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	id := c.Param("id")
	err := h.deps.Notifications.Cancel(ctx, middleware.GetTenantID(c), id)
	switch {
	case err == nil:
		response.Success(c, SubmitResponse{ID: id, Status: notification.StatusCancelled})
	case errors.Is(err, notification.ErrNotFound):
		response.NotFound(c, "notification not found")
	case errors.Is(err, notification.ErrNotCancellable):
		response.Conflict(c, err.Error())
	default:
		l.Error().Err(err).Str(log.FieldNotificationID, id).Msg("failed to cancel notification")
		response.InternalError(c, "failed to cancel notification")
	}
}
