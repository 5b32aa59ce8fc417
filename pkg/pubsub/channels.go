package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming conventions for domain events.
const (
	// ChannelTenantEvents carries every domain event of one tenant.
	ChannelTenantEvents = "relay:tenant:%s:events"

	// PatternAllTenantEvents matches ChannelTenantEvents for every tenant.
	PatternAllTenantEvents = "relay:tenant:*:events"
)

// Event types published by chat-service.
const (
	EventMessageCreated = "message.created"
	EventUserOnline     = "user.online"
	EventUserOffline    = "user.offline"
	EventRoomJoined     = "room.joined"
	EventRoomLeft       = "room.left"
)

// Event types published by notification-service.
const (
	EventNotificationSent   = "notification.sent"
	EventNotificationFailed = "notification.failed"
)

// TenantChannel returns the channel name for a tenant's events.
func TenantChannel(tenantID string) string {
	return fmt.Sprintf(ChannelTenantEvents, tenantID)
}

// tenantFromChannel extracts the tenant id from a tenant channel name.
func tenantFromChannel(channel string) (string, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[0] != "relay" || parts[1] != "tenant" || parts[3] != "events" {
		return "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return parts[2], nil
}

// MessageCreatedPayload is published after a chat message is persisted.
type MessageCreatedPayload struct {
	MessageID   string `json:"message_id"`
	RoomID      string `json:"room_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	SenderID    string `json:"sender_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Delivered   bool   `json:"delivered"`
}

// PresencePayload is published when a user connects, disconnects,
// joins or leaves a room.
type PresencePayload struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id,omitempty"`
}

// NotificationPayload is published when a notification reaches a terminal state.
type NotificationPayload struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}
