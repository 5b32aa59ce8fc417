package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/audit"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/router"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/session"
	"github.com/weiawesome/wes-io-relay/pkg/chat"
	"github.com/weiawesome/wes-io-relay/pkg/credential"
)

// MessageRouter routes send_message frames.
type MessageRouter interface {
	Route(ctx context.Context, sender registry.Session, p router.Payload, target router.Target) (*router.DeliveryOutcome, error)
}

// Membership answers room membership questions from storage.
type Membership interface {
	IsRoomMember(ctx context.Context, tenantID, roomID, userID string) (bool, error)
	MarkRead(ctx context.Context, tenantID, roomID, userID, messageID string) error
}

// RoomPresence broadcasts room-scoped events.
type RoomPresence interface {
	UserJoined(ctx context.Context, tenantID, roomID, userID string)
	UserLeft(ctx context.Context, tenantID, roomID, userID string)
	Typing(ctx context.Context, tenantID, roomID, userID string, isTyping bool)
	ReadReceipt(ctx context.Context, tenantID, roomID, userID, messageID string)
}

// OnlineMembers lists the online members of a room.
type OnlineMembers interface {
	MembersOnline(tenantID, roomID string) []string
}

type frameHandler func(ctx context.Context, s *session.Session, raw []byte) error

// Dispatcher maps inbound frame types to handlers. Unknown types are
// echoed back.
type Dispatcher struct {
	router   MessageRouter
	members  Membership
	presence RoomPresence
	online   OnlineMembers
	handlers map[string]frameHandler
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(r MessageRouter, members Membership, presence RoomPresence, online OnlineMembers) *Dispatcher {
	d := &Dispatcher{
		router:   r,
		members:  members,
		presence: presence,
		online:   online,
	}
	d.handlers = map[string]frameHandler{
		domain.MsgPing:        d.handlePing,
		domain.MsgPong:        d.handlePong,
		domain.MsgSendMessage: d.handleSendMessage,
		domain.MsgJoinRoom:    d.handleJoinRoom,
		domain.MsgLeaveRoom:   d.handleLeaveRoom,
		domain.MsgTyping:      d.handleTyping,
		domain.MsgReadReceipt: d.handleReadReceipt,
		domain.MsgDisconnect:  d.handleDisconnect,
		domain.MsgConnect:     d.handleConnect,
	}
	return d
}

// Dispatch implements session.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, msg string, raw []byte) error {
	h, ok := d.handlers[msg]
	if !ok {
		return d.handleEcho(ctx, s, raw)
	}
	return h(ctx, s, raw)
}

func decode(raw []byte, v interface{}, name string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return session.NewFrameError(domain.ErrCodeBadRequest, "invalid "+name+" frame")
	}
	return nil
}

func (d *Dispatcher) handlePing(_ context.Context, s *session.Session, _ []byte) error {
	s.Send(&domain.SimpleFrame{Msg: domain.MsgPong})
	return nil
}

// handlePong only needs the activity touch the read loop already did.
func (d *Dispatcher) handlePong(context.Context, *session.Session, []byte) error {
	return nil
}

func (d *Dispatcher) handleConnect(context.Context, *session.Session, []byte) error {
	return session.NewFrameError(domain.ErrCodeAlreadyConnected, "session already connected")
}

func (d *Dispatcher) handleDisconnect(context.Context, *session.Session, []byte) error {
	return session.ErrDisconnect
}

func (d *Dispatcher) handleEcho(_ context.Context, s *session.Session, raw []byte) error {
	s.Send(&domain.EchoFrame{Msg: domain.MsgEcho, Data: json.RawMessage(raw)})
	return nil
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, s *session.Session, raw []byte) error {
	if err := requirePermission(s, credential.PermissionSendMessages); err != nil {
		return err
	}
	var f domain.SendMessageFrame
	if err := decode(raw, &f, "send_message"); err != nil {
		return err
	}
	if f.RoomID != "" && !s.InRoom(f.RoomID) {
		return session.NewFrameError(domain.ErrCodeNotInRoom, "join the room before sending to it")
	}

	out, err := d.router.Route(ctx, s, router.Payload{
		ClientMessageID: f.ClientMessageID,
		Content:         f.Content,
		ContentType:     f.ContentType,
		Meta:            f.Meta,
		EmailFallback:   f.EmailFallback,
	}, router.Target{RoomID: f.RoomID, RecipientID: f.RecipientID})
	switch {
	case errors.Is(err, chat.ErrInvalidTarget):
		return session.NewFrameError(domain.ErrCodeBadRequest, "exactly one of room_id and recipient_id is required")
	case errors.Is(err, chat.ErrEmptyContent):
		return session.NewFrameError(domain.ErrCodeBadRequest, "content is required")
	case err != nil:
		return err
	}

	if !out.Duplicate {
		target := f.RoomID
		if target == "" {
			target = f.RecipientID
		}
		audit.LogTarget(ctx, audit.ActionSendMessage, s.TenantID(), s.UserID(), target, "message sent")
	}
	return nil
}

func requirePermission(s *session.Session, perm string) error {
	if id := s.Identity(); id != nil && !id.Allows(perm) {
		return session.NewFrameError(domain.ErrCodeForbidden, "credential lacks the "+perm+" permission")
	}
	return nil
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, s *session.Session, raw []byte) error {
	if err := requirePermission(s, credential.PermissionReadMessages); err != nil {
		return err
	}
	var f domain.RoomFrame
	if err := decode(raw, &f, "join_room"); err != nil {
		return err
	}
	if f.RoomID == "" {
		return session.NewFrameError(domain.ErrCodeBadRequest, "room_id is required")
	}

	if !s.InRoom(f.RoomID) {
		ok, err := d.members.IsRoomMember(ctx, s.TenantID(), f.RoomID, s.UserID())
		if err != nil {
			return err
		}
		if !ok {
			return session.NewFrameError(domain.ErrCodeForbidden, "not a member of this room")
		}
		if s.JoinRoom(f.RoomID) {
			d.presence.UserJoined(ctx, s.TenantID(), f.RoomID, s.UserID())
			audit.LogTarget(ctx, audit.ActionJoinRoom, s.TenantID(), s.UserID(), f.RoomID, "joined room")
		}
	}

	s.Send(&domain.RoomStateFrame{
		Msg:           domain.MsgRoomJoined,
		RoomID:        f.RoomID,
		MembersOnline: d.online.MembersOnline(s.TenantID(), f.RoomID),
	})
	return nil
}

func (d *Dispatcher) handleLeaveRoom(ctx context.Context, s *session.Session, raw []byte) error {
	var f domain.RoomFrame
	if err := decode(raw, &f, "leave_room"); err != nil {
		return err
	}
	if !s.LeaveRoom(f.RoomID) {
		return session.NewFrameError(domain.ErrCodeNotInRoom, "not in room")
	}
	s.Send(&domain.RoomStateFrame{Msg: domain.MsgRoomLeft, RoomID: f.RoomID})
	d.presence.UserLeft(ctx, s.TenantID(), f.RoomID, s.UserID())
	audit.LogTarget(ctx, audit.ActionLeaveRoom, s.TenantID(), s.UserID(), f.RoomID, "left room")
	return nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, s *session.Session, raw []byte) error {
	var f domain.TypingFrame
	if err := decode(raw, &f, "typing"); err != nil {
		return err
	}
	if !s.InRoom(f.RoomID) {
		return session.NewFrameError(domain.ErrCodeNotInRoom, "not in room")
	}
	d.presence.Typing(ctx, s.TenantID(), f.RoomID, s.UserID(), f.IsTyping)
	return nil
}

func (d *Dispatcher) handleReadReceipt(ctx context.Context, s *session.Session, raw []byte) error {
	var f domain.ReadReceiptFrame
	if err := decode(raw, &f, "read_receipt"); err != nil {
		return err
	}
	if f.MessageID == "" {
		return session.NewFrameError(domain.ErrCodeBadRequest, "message_id is required")
	}
	if !s.InRoom(f.RoomID) {
		return session.NewFrameError(domain.ErrCodeNotInRoom, "not in room")
	}
	if err := d.members.MarkRead(ctx, s.TenantID(), f.RoomID, s.UserID(), f.MessageID); err != nil {
		if errors.Is(err, chat.ErrNotMember) {
			return session.NewFrameError(domain.ErrCodeForbidden, "not a member of this room")
		}
		return err
	}
	d.presence.ReadReceipt(ctx, s.TenantID(), f.RoomID, s.UserID(), f.MessageID)
	return nil
}
