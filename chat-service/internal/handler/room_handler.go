package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/audit"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/pkg/chat"
	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

// RoomStore is the storage behind the room API.
type RoomStore interface {
	chat.RoomAdmin
	chat.MessageHistory
	IsRoomMember(ctx context.Context, tenantID, roomID, userID string) (bool, error)
}

// MemberCache drops cached member lists after membership changes.
type MemberCache interface {
	Invalidate(ctx context.Context, tenantID, roomID string) error
}

// SessionLookup finds the local session of a user.
type SessionLookup interface {
	Lookup(tenantID, userID string) (registry.Session, bool)
}

// roomLeaver is implemented by sessions that track joined rooms.
type roomLeaver interface {
	LeaveRoom(roomID string) bool
}

// RoomDeps are the collaborators of RoomHandler.
type RoomDeps struct {
	Rooms    RoomStore
	Cache    MemberCache
	Sessions SessionLookup
	Presence RoomPresence
}

// RoomHandler serves room membership and message history over HTTP.
type RoomHandler struct {
	deps           RoomDeps
	authMiddleware *middleware.AuthMiddleware
}

// NewRoomHandler creates a RoomHandler.
func NewRoomHandler(deps RoomDeps, authMiddleware *middleware.AuthMiddleware) *RoomHandler {
	return &RoomHandler{deps: deps, authMiddleware: authMiddleware}
}

// RegisterRoutes mounts the room API under /api/v1.
func (h *RoomHandler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1", h.authMiddleware.RequireAPIKey())

	manage := middleware.RequirePermission(credential.PermissionManageRooms)
	read := middleware.RequirePermission(credential.PermissionReadMessages)

	rooms := api.Group("/rooms")
	{
		rooms.POST("", manage, h.CreateRoom)
		rooms.GET("/:room_id/members", read, h.ListMembers)
		rooms.POST("/:room_id/members", manage, h.AddMember)
		rooms.DELETE("/:room_id/members/:user_id", manage, h.RemoveMember)
		rooms.GET("/:room_id/messages", read, h.RoomHistory)
	}

	api.GET("/messages/:message_id", read, h.GetMessage)
	api.GET("/conversations/:peer_id/messages", read, h.DirectHistory)
}

// CreateRoomRequest creates a room with its first members.
type CreateRoomRequest struct {
	RoomID    string   `json:"room_id" binding:"omitempty,max=64"`
	OwnerID   string   `json:"owner_id"`
	MemberIDs []string `json:"member_ids"`
}

// AddMemberRequest adds or reactivates a member.
type AddMemberRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"omitempty,oneof=member admin"`
}

// MemberView is one active membership.
type MemberView struct {
	UserID            string     `json:"user_id"`
	Role              string     `json:"role"`
	LastReadMessageID string     `json:"last_read_message_id,omitempty"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	JoinedAt          time.Time  `json:"joined_at"`
}

// RoomResponse describes a room and its members.
type RoomResponse struct {
	RoomID  string       `json:"room_id"`
	Members []MemberView `json:"members"`
}

// MessageView is a persisted message.
type MessageView struct {
	ID          string                 `json:"message_id"`
	RoomID      string                 `json:"room_id,omitempty"`
	RecipientID string                 `json:"recipient_id,omitempty"`
	SenderID    string                 `json:"sender_id"`
	Content     string                 `json:"content"`
	ContentType string                 `json:"content_type"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// HistoryResponse is one page of messages, newest first. NextBefore is
// the cursor of the following page when there may be one.
type HistoryResponse struct {
	Messages   []MessageView `json:"messages"`
	NextBefore string        `json:"next_before,omitempty"`
}

func newMemberViews(members []*chat.RoomMember) []MemberView {
	out := make([]MemberView, len(members))
	for i, m := range members {
		out[i] = MemberView{
			UserID:            m.UserID,
			Role:              string(m.Role),
			LastReadMessageID: m.LastReadMessageID,
			LastReadAt:        m.LastReadAt,
			JoinedAt:          m.JoinedAt,
		}
	}
	return out
}

func newMessageView(m *chat.Message) MessageView {
	return MessageView{
		ID:          m.ID,
		RoomID:      m.RoomID,
		RecipientID: m.RecipientID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		ContentType: m.ContentType,
		Meta:        m.Meta,
		CreatedAt:   m.CreatedAt,
	}
}

func newHistoryResponse(msgs []*chat.Message, limit int) HistoryResponse {
	resp := HistoryResponse{Messages: make([]MessageView, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = newMessageView(m)
	}
	if len(msgs) == limit && limit > 0 {
		resp.NextBefore = msgs[len(msgs)-1].ID
	}
	return resp
}

func historyQuery(c *gin.Context) (chat.HistoryQuery, bool) {
	q := chat.HistoryQuery{Before: c.Query("before")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return q, false
		}
		q.Limit = n
	}
	return q.Normalize(), true
}

// memberOrMaster lets master keys through and requires scoped keys to
// belong to the room.
func (h *RoomHandler) memberOrMaster(c *gin.Context, roomID string) bool {
	id := middleware.GetIdentity(c)
	if id.Master {
		return true
	}
	ok, err := h.deps.Rooms.IsRoomMember(c.Request.Context(), id.TenantID, roomID, id.UserID)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to check room membership")
		response.InternalError(c, "failed to check membership")
		return false
	}
	if !ok {
		response.Forbidden(c, "not a member of this room")
		return false
	}
	return true
}

// roomManager lets master keys through and requires scoped keys to be an
// owner or admin of the room.
func (h *RoomHandler) roomManager(c *gin.Context, roomID string) bool {
	id := middleware.GetIdentity(c)
	if id.Master {
		return true
	}
	m, err := h.deps.Rooms.GetRoomMember(c.Request.Context(), id.TenantID, roomID, id.UserID)
	switch {
	case errors.Is(err, chat.ErrNotMember):
		response.Forbidden(c, "not a member of this room")
		return false
	case err != nil:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load membership")
		response.InternalError(c, "failed to check membership")
		return false
	case !m.Active || (m.Role != chat.RoleOwner && m.Role != chat.RoleAdmin):
		response.Forbidden(c, "room owner or admin required")
		return false
	}
	return true
}

func (h *RoomHandler) invalidate(ctx context.Context, tenantID, roomID string) {
	if h.deps.Cache == nil {
		return
	}
	if err := h.deps.Cache.Invalidate(ctx, tenantID, roomID); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to invalidate member cache")
	}
}

// CreateRoom handles POST /api/v1/rooms. Scoped keys create rooms they own.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	id := middleware.GetIdentity(c)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !id.Master {
		if req.OwnerID != "" && req.OwnerID != id.UserID {
			response.Forbidden(c, "scoped keys can only create rooms they own")
			return
		}
		req.OwnerID = id.UserID
	}
	if req.OwnerID == "" {
		response.BadRequest(c, "owner_id is required")
		return
	}

	roomID := req.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	} else if members, err := h.deps.Rooms.ListRoomMembers(ctx, id.TenantID, roomID); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to check room")
		response.InternalError(c, "failed to create room")
		return
	} else if len(members) > 0 {
		response.Conflict(c, "room already exists")
		return
	}

	add := func(userID string, role chat.Role) error {
		return h.deps.Rooms.AddRoomMember(ctx, &chat.RoomMember{TenantID: id.TenantID, RoomID: roomID, UserID: userID, Role: role})
	}
	if err := add(req.OwnerID, chat.RoleOwner); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to add room owner")
		response.InternalError(c, "failed to create room")
		return
	}
	for _, u := range req.MemberIDs {
		if u == "" || u == req.OwnerID {
			continue
		}
		if err := add(u, chat.RoleMember); err != nil {
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldUserID, u).Msg("failed to add room member")
			response.InternalError(c, "failed to create room")
			return
		}
	}
	h.invalidate(ctx, id.TenantID, roomID)

	members, err := h.deps.Rooms.ListRoomMembers(ctx, id.TenantID, roomID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to list room members")
		response.InternalError(c, "failed to create room")
		return
	}
	audit.LogTarget(ctx, audit.ActionCreateRoom, id.TenantID, req.OwnerID, roomID, "room created")
	response.Created(c, RoomResponse{RoomID: roomID, Members: newMemberViews(members)})
}

// ListMembers handles GET /api/v1/rooms/:room_id/members.
func (h *RoomHandler) ListMembers(c *gin.Context) {
	roomID := c.Param("room_id")
	if !h.memberOrMaster(c, roomID) {
		return
	}
	members, err := h.deps.Rooms.ListRoomMembers(c.Request.Context(), middleware.GetTenantID(c), roomID)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to list room members")
		response.InternalError(c, "failed to list members")
		return
	}
	if len(members) == 0 {
		response.NotFound(c, "room not found")
		return
	}
	response.Success(c, RoomResponse{RoomID: roomID, Members: newMemberViews(members)})
}

// AddMember handles POST /api/v1/rooms/:room_id/members.
func (h *RoomHandler) AddMember(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	roomID := c.Param("room_id")

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !h.roomManager(c, roomID) {
		return
	}
	tenantID := middleware.GetTenantID(c)

	role := chat.Role(req.Role)
	if role == "" {
		role = chat.RoleMember
	}
	existing, err := h.deps.Rooms.GetRoomMember(ctx, tenantID, roomID, req.UserID)
	if err != nil && !errors.Is(err, chat.ErrNotMember) {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load membership")
		response.InternalError(c, "failed to add member")
		return
	}
	if err == nil && existing.Role == chat.RoleOwner {
		response.Conflict(c, "the room owner's role cannot be changed")
		return
	}
	if err := h.deps.Rooms.AddRoomMember(ctx, &chat.RoomMember{TenantID: tenantID, RoomID: roomID, UserID: req.UserID, Role: role}); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to add room member")
		response.InternalError(c, "failed to add member")
		return
	}
	h.invalidate(ctx, tenantID, roomID)
	audit.LogTarget(ctx, audit.ActionAddMember, tenantID, req.UserID, roomID, "member added")
	response.Created(c, MemberView{UserID: req.UserID, Role: string(role), JoinedAt: time.Now().UTC()})
}

// RemoveMember handles DELETE /api/v1/rooms/:room_id/members/:user_id.
// A scoped key may always remove its own user. A local session of the
// removed user leaves the room at once.
func (h *RoomHandler) RemoveMember(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	roomID, userID := c.Param("room_id"), c.Param("user_id")
	id := middleware.GetIdentity(c)

	if id.Master || id.UserID != userID {
		if !h.roomManager(c, roomID) {
			return
		}
	}

	m, err := h.deps.Rooms.GetRoomMember(ctx, id.TenantID, roomID, userID)
	switch {
	case errors.Is(err, chat.ErrNotMember) || (err == nil && !m.Active):
		response.NotFound(c, "member not found")
		return
	case err != nil:
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load membership")
		response.InternalError(c, "failed to remove member")
		return
	}
	if err := h.deps.Rooms.DeactivateRoomMember(ctx, id.TenantID, roomID, userID); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to remove room member")
		response.InternalError(c, "failed to remove member")
		return
	}
	h.invalidate(ctx, id.TenantID, roomID)
	h.evict(ctx, id.TenantID, roomID, userID)
	audit.LogTarget(ctx, audit.ActionRemoveMember, id.TenantID, userID, roomID, "member removed")
	response.Success(c, gin.H{"room_id": roomID, "user_id": userID, "removed": true})
}

func (h *RoomHandler) evict(ctx context.Context, tenantID, roomID, userID string) {
	if h.deps.Sessions == nil {
		return
	}
	s, ok := h.deps.Sessions.Lookup(tenantID, userID)
	if !ok {
		return
	}
	leaver, ok := s.(roomLeaver)
	if !ok || !leaver.LeaveRoom(roomID) {
		return
	}
	s.Send(&domain.RoomStateFrame{Msg: domain.MsgRoomLeft, RoomID: roomID})
	if h.deps.Presence != nil {
		h.deps.Presence.UserLeft(ctx, tenantID, roomID, userID)
	}
}

// RoomHistory handles GET /api/v1/rooms/:room_id/messages.
func (h *RoomHandler) RoomHistory(c *gin.Context) {
	roomID := c.Param("room_id")
	q, ok := historyQuery(c)
	if !ok || !h.memberOrMaster(c, roomID) {
		return
	}
	msgs, err := h.deps.Rooms.ListRoomMessages(c.Request.Context(), middleware.GetTenantID(c), roomID, q)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to list room messages")
		response.InternalError(c, "failed to load history")
		return
	}
	response.Success(c, newHistoryResponse(msgs, q.Limit))
}

// DirectHistory handles GET /api/v1/conversations/:peer_id/messages.
// Master keys name the other side with ?user_id=.
func (h *RoomHandler) DirectHistory(c *gin.Context) {
	id := middleware.GetIdentity(c)
	userID := id.UserID
	if id.Master {
		userID = c.Query("user_id")
		if userID == "" {
			response.BadRequest(c, "user_id is required with a master key")
			return
		}
	}
	q, ok := historyQuery(c)
	if !ok {
		return
	}
	msgs, err := h.deps.Rooms.ListDirectMessages(c.Request.Context(), id.TenantID, userID, c.Param("peer_id"), q)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to list direct messages")
		response.InternalError(c, "failed to load history")
		return
	}
	response.Success(c, newHistoryResponse(msgs, q.Limit))
}

// GetMessage handles GET /api/v1/messages/:message_id. Scoped keys only
// see messages they sent, received, or that were posted to their rooms.
func (h *RoomHandler) GetMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := middleware.GetIdentity(c)

	m, err := h.deps.Rooms.GetMessage(ctx, id.TenantID, c.Param("message_id"))
	if errors.Is(err, chat.ErrMessageNotFound) {
		response.NotFound(c, "message not found")
		return
	}
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to load message")
		response.InternalError(c, "failed to load message")
		return
	}

	if !id.Master && m.SenderID != id.UserID && m.RecipientID != id.UserID {
		if m.RoomID == "" {
			response.NotFound(c, "message not found")
			return
		}
		if !h.memberOrMaster(c, m.RoomID) {
			return
		}
	}
	response.Success(c, newMessageView(m))
}
