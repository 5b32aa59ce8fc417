package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-relay/pkg/chat"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// MessageModel is the GORM model for chat messages.
type MessageModel struct {
	ID              string           `gorm:"type:varchar(26);primaryKey"`
	TenantID        string           `gorm:"type:varchar(36);index:idx_messages_room;not null"`
	RoomID          string           `gorm:"type:varchar(64);index:idx_messages_room"`
	RecipientID     string           `gorm:"type:varchar(100);index"`
	SenderID        string           `gorm:"type:varchar(100);not null"`
	ClientMessageID string           `gorm:"type:varchar(100)"`
	Content         string           `gorm:"type:text;not null"`
	ContentType     string           `gorm:"type:varchar(50);not null;default:'text'"`
	Meta            database.JSONMap `gorm:"type:text"`
	CreatedAt       time.Time        `gorm:"index"`
}

func (MessageModel) TableName() string { return "messages" }

// RoomMemberModel is the GORM model for room memberships.
type RoomMemberModel struct {
	TenantID          string `gorm:"type:varchar(36);primaryKey"`
	RoomID            string `gorm:"type:varchar(64);primaryKey"`
	UserID            string `gorm:"type:varchar(100);primaryKey;index:idx_room_members_user"`
	Role              string `gorm:"type:varchar(20);not null;default:'member'"`
	IsActive          bool   `gorm:"not null;default:true"`
	LastReadMessageID string `gorm:"type:varchar(26)"`
	LastReadAt        *time.Time
	JoinedAt          time.Time `gorm:"autoCreateTime"`
}

func (RoomMemberModel) TableName() string { return "room_members" }

func (m *RoomMemberModel) toDomain() *chat.RoomMember {
	return &chat.RoomMember{
		TenantID:          m.TenantID,
		RoomID:            m.RoomID,
		UserID:            m.UserID,
		Role:              chat.Role(m.Role),
		Active:            m.IsActive,
		LastReadMessageID: m.LastReadMessageID,
		LastReadAt:        m.LastReadAt,
		JoinedAt:          m.JoinedAt,
	}
}

// SaveMessage inserts a chat message.
func (s *GormStore) SaveMessage(ctx context.Context, m *chat.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.ID == "" {
		m.ID = chat.NewMessageID(m.CreatedAt)
	}
	model := &MessageModel{
		ID:              m.ID,
		TenantID:        m.TenantID,
		RoomID:          m.RoomID,
		RecipientID:     m.RecipientID,
		SenderID:        m.SenderID,
		ClientMessageID: m.ClientMessageID,
		Content:         m.Content,
		ContentType:     m.ContentType,
		Meta:            database.JSONMap(m.Meta),
		CreatedAt:       m.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, m.RoomID).Msg("failed to save message")
		return err
	}
	return nil
}

func (m *MessageModel) toDomain() *chat.Message {
	return &chat.Message{
		ID:              m.ID,
		TenantID:        m.TenantID,
		RoomID:          m.RoomID,
		RecipientID:     m.RecipientID,
		SenderID:        m.SenderID,
		ClientMessageID: m.ClientMessageID,
		Content:         m.Content,
		ContentType:     m.ContentType,
		Meta:            m.Meta,
		CreatedAt:       m.CreatedAt,
	}
}

// GetMessage loads a message by id.
func (s *GormStore) GetMessage(ctx context.Context, tenantID, id string) (*chat.Message, error) {
	var m MessageModel
	err := s.db.WithContext(ctx).First(&m, "id = ? AND tenant_id = ?", id, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chat.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// ListRoomMessages pages a room's history, newest first. Message ids are
// ULIDs, so id order is creation order.
func (s *GormStore) ListRoomMessages(ctx context.Context, tenantID, roomID string, q chat.HistoryQuery) ([]*chat.Message, error) {
	db := s.db.WithContext(ctx).Where("tenant_id = ? AND room_id = ?", tenantID, roomID)
	return s.listMessages(db, q)
}

// ListDirectMessages pages the direct conversation between two users.
func (s *GormStore) ListDirectMessages(ctx context.Context, tenantID, userID, peerID string, q chat.HistoryQuery) ([]*chat.Message, error) {
	db := s.db.WithContext(ctx).Where(
		"tenant_id = ? AND ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))",
		tenantID, userID, peerID, peerID, userID,
	)
	return s.listMessages(db, q)
}

func (s *GormStore) listMessages(db *gorm.DB, q chat.HistoryQuery) ([]*chat.Message, error) {
	q = q.Normalize()
	if q.Before != "" {
		db = db.Where("id < ?", q.Before)
	}
	var models []MessageModel
	if err := db.Order("id DESC").Limit(q.Limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*chat.Message, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// AddRoomMember inserts or reactivates a membership.
func (s *GormStore) AddRoomMember(ctx context.Context, m *chat.RoomMember) error {
	role := m.Role
	if role == "" {
		role = chat.RoleMember
	}
	model := &RoomMemberModel{
		TenantID: m.TenantID,
		RoomID:   m.RoomID,
		UserID:   m.UserID,
		Role:     string(role),
		IsActive: true,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"role": string(role), "is_active": true}),
	}).Create(model).Error
}

// DeactivateRoomMember marks a membership inactive.
func (s *GormStore) DeactivateRoomMember(ctx context.Context, tenantID, roomID, userID string) error {
	return s.db.WithContext(ctx).Model(&RoomMemberModel{}).
		Where("tenant_id = ? AND room_id = ? AND user_id = ?", tenantID, roomID, userID).
		Update("is_active", false).Error
}

// GetRoomMembers returns the active member ids of a room.
func (s *GormStore) GetRoomMembers(ctx context.Context, tenantID, roomID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&RoomMemberModel{}).
		Where("tenant_id = ? AND room_id = ? AND is_active = ?", tenantID, roomID, true).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListRoomMembers returns the active memberships of a room.
func (s *GormStore) ListRoomMembers(ctx context.Context, tenantID, roomID string) ([]*chat.RoomMember, error) {
	var models []RoomMemberModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND room_id = ? AND is_active = ?", tenantID, roomID, true).
		Order("user_id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*chat.RoomMember, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// GetUserRooms returns the rooms a user is an active member of.
func (s *GormStore) GetUserRooms(ctx context.Context, tenantID, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&RoomMemberModel{}).
		Where("tenant_id = ? AND user_id = ? AND is_active = ?", tenantID, userID, true).
		Order("room_id").
		Pluck("room_id", &ids).Error
	return ids, err
}

// GetRoomMember loads one membership, active or not.
func (s *GormStore) GetRoomMember(ctx context.Context, tenantID, roomID, userID string) (*chat.RoomMember, error) {
	var m RoomMemberModel
	err := s.db.WithContext(ctx).
		First(&m, "tenant_id = ? AND room_id = ? AND user_id = ?", tenantID, roomID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chat.ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// IsRoomMember reports whether the user is an active member of the room.
func (s *GormStore) IsRoomMember(ctx context.Context, tenantID, roomID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RoomMemberModel{}).
		Where("tenant_id = ? AND room_id = ? AND user_id = ? AND is_active = ?", tenantID, roomID, userID, true).
		Count(&count).Error
	return count > 0, err
}

// MarkRead moves the member's last-read marker.
func (s *GormStore) MarkRead(ctx context.Context, tenantID, roomID, userID, messageID string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&RoomMemberModel{}).
		Where("tenant_id = ? AND room_id = ? AND user_id = ? AND is_active = ?", tenantID, roomID, userID, true).
		Updates(map[string]interface{}{"last_read_message_id": messageID, "last_read_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return chat.ErrNotMember
	}
	return nil
}
