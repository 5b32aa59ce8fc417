package domain

import (
	"encoding/json"
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// Frames from client.
const (
	MsgConnect     = "connect"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgSendMessage = "send_message"
	MsgJoinRoom    = "join_room"
	MsgLeaveRoom   = "leave_room"
	MsgTyping      = "typing"
	MsgReadReceipt = "read_receipt"
	MsgDisconnect  = "disconnect"
)

// Frames to client.
const (
	MsgConnected    = "connected"
	MsgError        = "error"
	MsgMessageSent  = "message_sent"
	MsgMessage      = "message"
	MsgEcho         = "echo"
	MsgRoomJoined   = "room_joined"
	MsgRoomLeft     = "room_left"
	MsgUserJoined   = "user_joined"
	MsgUserLeft     = "user_left"
	MsgPresence     = "presence"
	MsgNotification = "notification"
)

// Error codes
const (
	ErrCodeInvalidFrame     = "invalid_frame"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeHandshakeTimeout = "handshake_timeout"
	ErrCodeAlreadyConnected = "already_connected"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotInRoom        = "not_in_room"
	ErrCodeForbidden        = "forbidden"
	ErrCodeInternal         = "internal_error"
	ErrCodeSessionReplaced  = "session_replaced"
	ErrCodeKeepaliveTimeout = "keepalive_timeout"
)

// Presence statuses
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Envelope is decoded first to pick the handler for a frame.
type Envelope struct {
	Msg string `json:"msg"`
}

// Client -> Server frames

type ConnectFrame struct {
	Msg         string `json:"msg"`
	UserID      string `json:"user_id"`
	Credential  string `json:"credential"`
	DisplayName string `json:"display_name,omitempty"`
}

type SendMessageFrame struct {
	Msg             string                      `json:"msg"`
	RoomID          string                      `json:"room_id,omitempty"`
	RecipientID     string                      `json:"recipient_id,omitempty"`
	Content         string                      `json:"content"`
	ContentType     string                      `json:"content_type,omitempty"`
	ClientMessageID string                      `json:"client_message_id,omitempty"`
	Meta            map[string]interface{}      `json:"meta,omitempty"`
	EmailFallback   *notification.EmailFallback `json:"email_fallback,omitempty"`
}

type RoomFrame struct {
	Msg    string `json:"msg"`
	RoomID string `json:"room_id"`
}

type TypingFrame struct {
	Msg      string `json:"msg"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type ReadReceiptFrame struct {
	Msg       string `json:"msg"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// Server -> Client frames

type ConnectedFrame struct {
	Msg       string   `json:"msg"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Rooms     []string `json:"rooms"`
}

type ErrorFrame struct {
	Msg     string `json:"msg"`
	Code    string `json:"code"`
	Details string `json:"details"`
}

func NewErrorFrame(code, details string) *ErrorFrame {
	return &ErrorFrame{Msg: MsgError, Code: code, Details: details}
}

type SimpleFrame struct {
	Msg string `json:"msg"`
}

type MessageSentFrame struct {
	Msg             string    `json:"msg"`
	MessageID       string    `json:"message_id"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Delivered       bool      `json:"delivered"`
	Recipients      int       `json:"recipients"`
	CreatedAt       time.Time `json:"created_at"`
}

type MessageFrame struct {
	Msg         string                 `json:"msg"`
	MessageID   string                 `json:"message_id"`
	RoomID      string                 `json:"room_id,omitempty"`
	RecipientID string                 `json:"recipient_id,omitempty"`
	SenderID    string                 `json:"sender_id"`
	Content     string                 `json:"content"`
	ContentType string                 `json:"content_type"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

type EchoFrame struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type RoomStateFrame struct {
	Msg           string   `json:"msg"`
	RoomID        string   `json:"room_id"`
	MembersOnline []string `json:"members_online,omitempty"`
}

type RoomEventFrame struct {
	Msg       string    `json:"msg"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceFrame struct {
	Msg       string    `json:"msg"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingEventFrame struct {
	Msg      string `json:"msg"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type ReadReceiptEventFrame struct {
	Msg       string    `json:"msg"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type NotificationFrame struct {
	Msg            string                 `json:"msg"`
	NotificationID string                 `json:"notification_id"`
	RoomID         string                 `json:"room_id,omitempty"`
	Subject        string                 `json:"subject,omitempty"`
	Content        string                 `json:"content"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}
