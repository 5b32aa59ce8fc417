// Package presence fans room-scoped events out to the sessions that
// joined a room and publishes presence changes on the event bus.
package presence

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

// Broadcaster is the PresenceBroadcaster. Delivery is best-effort: a
// member whose send buffer is full misses the frame and nobody else is
// affected.
type Broadcaster struct {
	registry  *registry.Registry
	publisher pubsub.Publisher
	now       func() time.Time
}

// New creates a Broadcaster. publisher may be nil.
func New(reg *registry.Registry, publisher pubsub.Publisher) *Broadcaster {
	return &Broadcaster{
		registry:  reg,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BroadcastToRoom sends event to every online member of a room except
// excludeUserID and returns how many sessions accepted it.
func (b *Broadcaster) BroadcastToRoom(ctx context.Context, tenantID, roomID string, event interface{}, excludeUserID string) int {
	sent := 0
	for _, s := range b.registry.RoomSessions(tenantID, roomID, excludeUserID) {
		if err := s.Send(event); err != nil {
			l := log.Ctx(ctx)
			l.Debug().Err(err).
				Str(log.FieldRoomID, roomID).
				Str(log.FieldUserID, s.UserID()).
				Msg("room event dropped for member")
			continue
		}
		sent++
	}
	return sent
}

// NotifyOnline tells the co-members of rooms that userID came online.
func (b *Broadcaster) NotifyOnline(ctx context.Context, tenantID, userID string, rooms []string) {
	b.announce(ctx, tenantID, userID, rooms, domain.PresenceOnline)
	b.publish(ctx, tenantID, pubsub.EventUserOnline, pubsub.PresencePayload{UserID: userID})
}

// NotifyOffline tells the co-members of rooms that userID went offline.
func (b *Broadcaster) NotifyOffline(ctx context.Context, tenantID, userID string, rooms []string) {
	b.announce(ctx, tenantID, userID, rooms, domain.PresenceOffline)
	b.publish(ctx, tenantID, pubsub.EventUserOffline, pubsub.PresencePayload{UserID: userID})
}

// announce sends one presence frame to each distinct co-member.
func (b *Broadcaster) announce(ctx context.Context, tenantID, userID string, rooms []string, status string) {
	frame := &domain.PresenceFrame{
		Msg:       domain.MsgPresence,
		UserID:    userID,
		Status:    status,
		Timestamp: b.now(),
	}
	seen := map[string]struct{}{userID: {}}
	for _, roomID := range rooms {
		for _, s := range b.registry.RoomSessions(tenantID, roomID, userID) {
			if _, ok := seen[s.UserID()]; ok {
				continue
			}
			seen[s.UserID()] = struct{}{}
			if err := s.Send(frame); err != nil {
				l := log.Ctx(ctx)
				l.Debug().Err(err).Str(log.FieldUserID, s.UserID()).Msg("presence frame dropped")
			}
		}
	}
}

// UserJoined announces that userID joined roomID.
func (b *Broadcaster) UserJoined(ctx context.Context, tenantID, roomID, userID string) {
	b.BroadcastToRoom(ctx, tenantID, roomID, &domain.RoomEventFrame{
		Msg:       domain.MsgUserJoined,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: b.now(),
	}, userID)
	b.publish(ctx, tenantID, pubsub.EventRoomJoined, pubsub.PresencePayload{UserID: userID, RoomID: roomID})
}

// UserLeft announces that userID left roomID.
func (b *Broadcaster) UserLeft(ctx context.Context, tenantID, roomID, userID string) {
	b.BroadcastToRoom(ctx, tenantID, roomID, &domain.RoomEventFrame{
		Msg:       domain.MsgUserLeft,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: b.now(),
	}, userID)
	b.publish(ctx, tenantID, pubsub.EventRoomLeft, pubsub.PresencePayload{UserID: userID, RoomID: roomID})
}

// Typing relays a typing indicator to the other members of a room.
func (b *Broadcaster) Typing(ctx context.Context, tenantID, roomID, userID string, isTyping bool) {
	b.BroadcastToRoom(ctx, tenantID, roomID, &domain.TypingEventFrame{
		Msg:      domain.MsgTyping,
		RoomID:   roomID,
		UserID:   userID,
		IsTyping: isTyping,
	}, userID)
}

// ReadReceipt relays a read marker to the other members of a room.
func (b *Broadcaster) ReadReceipt(ctx context.Context, tenantID, roomID, userID, messageID string) {
	b.BroadcastToRoom(ctx, tenantID, roomID, &domain.ReadReceiptEventFrame{
		Msg:       domain.MsgReadReceipt,
		RoomID:    roomID,
		UserID:    userID,
		MessageID: messageID,
		Timestamp: b.now(),
	}, userID)
}

func (b *Broadcaster) publish(ctx context.Context, tenantID, eventType string, payload interface{}) {
	if err := pubsub.PublishTenantEvent(ctx, b.publisher, tenantID, eventType, payload); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish presence event")
	}
}
