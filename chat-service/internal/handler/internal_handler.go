package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

// HeaderInternalToken authenticates calls between services.
const HeaderInternalToken = "X-Internal-Token"

// LiveDeliverer pushes a frame to local sessions.
type LiveDeliverer interface {
	DeliverLive(ctx context.Context, tenantID, roomID, excludeUserID string, userIDs []string, frame interface{}) []string
}

// DeliverRequest asks this instance to push a frame to its sessions.
type DeliverRequest struct {
	TenantID string   `json:"tenant_id" binding:"required"`
	UserIDs  []string `json:"user_ids"`
	RoomID   string   `json:"room_id"`
	// ExcludeUserID is skipped even when listed or a room member.
	ExcludeUserID string          `json:"exclude_user_id"`
	Frame         json.RawMessage `json:"frame" binding:"required"`
}

// DeliverResponse lists the users that received the frame.
type DeliverResponse struct {
	Delivered []string `json:"delivered"`
}

// InternalHandler serves the endpoints other services call.
type InternalHandler struct {
	deliverer LiveDeliverer
	token     string
}

// NewInternalHandler creates an InternalHandler. An empty token rejects
// every request.
func NewInternalHandler(deliverer LiveDeliverer, token string) *InternalHandler {
	return &InternalHandler{deliverer: deliverer, token: token}
}

func (h *InternalHandler) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderInternalToken)
		if h.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			response.Unauthorized(c, "invalid internal token")
			return
		}
		c.Next()
	}
}

// Deliver handles POST /internal/v1/deliver.
func (h *InternalHandler) Deliver(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if len(req.UserIDs) == 0 && req.RoomID == "" {
		response.BadRequest(c, "user_ids or room_id is required")
		return
	}
	if !json.Valid(req.Frame) {
		response.BadRequest(c, "frame must be a JSON object")
		return
	}

	c.Set(log.FieldTenantID, req.TenantID)
	delivered := h.deliverer.DeliverLive(c.Request.Context(), req.TenantID, req.RoomID, req.ExcludeUserID, req.UserIDs, req.Frame)
	response.Success(c, DeliverResponse{Delivered: delivered})
}

// RegisterRoutes mounts the internal endpoints.
func (h *InternalHandler) RegisterRoutes(r gin.IRouter) {
	internal := r.Group("/internal/v1", h.requireToken())
	internal.POST("/deliver", h.Deliver)
}
