// Package chat holds the chat entities shared by the chat and
// notification services and the storage contracts they read through.
package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotMember       = errors.New("user is not an active member of the room")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrInvalidTarget   = errors.New("exactly one of room_id or recipient_id is required")
)

// Content types understood by clients. Others are passed through.
const (
	ContentTypeText     = "text"
	ContentTypeMarkdown = "markdown"
	ContentTypeJSON     = "json"
)

// Role of a user inside a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Message is a persisted chat message. Exactly one of RoomID and
// RecipientID is set.
type Message struct {
	ID              string
	TenantID        string
	RoomID          string
	RecipientID     string
	SenderID        string
	ClientMessageID string
	Content         string
	ContentType     string
	Meta            map[string]interface{}
	CreatedAt       time.Time
}

// Direct reports whether the message targets a single user.
func (m *Message) Direct() bool {
	return m.RecipientID != ""
}

// RoomMember is one user's membership in a room.
type RoomMember struct {
	TenantID          string
	RoomID            string
	UserID            string
	Role              Role
	Active            bool
	LastReadMessageID string
	LastReadAt        *time.Time
	JoinedAt          time.Time
}

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *Message) error
}

// RoomStore answers membership questions.
type RoomStore interface {
	GetRoomMembers(ctx context.Context, tenantID, roomID string) ([]string, error)
	GetUserRooms(ctx context.Context, tenantID, userID string) ([]string, error)
	IsRoomMember(ctx context.Context, tenantID, roomID, userID string) (bool, error)
	MarkRead(ctx context.Context, tenantID, roomID, userID, messageID string) error
}

// RoomAdmin changes and lists memberships.
type RoomAdmin interface {
	AddRoomMember(ctx context.Context, m *RoomMember) error
	DeactivateRoomMember(ctx context.Context, tenantID, roomID, userID string) error
	GetRoomMember(ctx context.Context, tenantID, roomID, userID string) (*RoomMember, error)
	ListRoomMembers(ctx context.Context, tenantID, roomID string) ([]*RoomMember, error)
}

// History page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// HistoryQuery pages backwards through messages, newest first. Before is
// an exclusive message id cursor; empty starts from the newest message.
type HistoryQuery struct {
	Before string
	Limit  int
}

// Normalize clamps Limit into (0, MaxHistoryLimit].
func (q HistoryQuery) Normalize() HistoryQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		q.Limit = MaxHistoryLimit
	}
	return q
}

// MessageHistory reads persisted messages.
type MessageHistory interface {
	GetMessage(ctx context.Context, tenantID, id string) (*Message, error)
	ListRoomMessages(ctx context.Context, tenantID, roomID string, q HistoryQuery) ([]*Message, error)
	ListDirectMessages(ctx context.Context, tenantID, userID, peerID string, q HistoryQuery) ([]*Message, error)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a time-sortable message id.
func NewMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
