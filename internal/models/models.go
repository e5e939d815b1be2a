package models

import "time"

// 房间类型与消息类型沿用平台既有取值，便于与移动端对齐。
const (
	RoomPrivate = "private"
	RoomGroup   = "group"
)

const (
	MsgText   = "text"
	MsgImage  = "image"
	MsgVideo  = "video"
	MsgAudio  = "audio"
	MsgFile   = "file"
	MsgSystem = "system"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

const (
	ReceiptSent      = "sent"
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// ValidMessageType 校验客户端声明的消息类型。
func ValidMessageType(t string) bool {
	switch t {
	case MsgText, MsgImage, MsgVideo, MsgAudio, MsgFile, MsgSystem:
		return true
	}
	return false
}

// ReceiptRank 将回执状态映射为可比较的序号，用于保证状态只升不降。
func ReceiptRank(status string) int {
	switch status {
	case ReceiptSent:
		return 1
	case ReceiptDelivered:
		return 2
	case ReceiptRead:
		return 3
	}
	return 0
}

type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:64;not null"`
	Email     string `gorm:"uniqueIndex;size:255;not null"`
	UserType  string `gorm:"size:16;not null;default:talent"` // mentor / talent
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Room struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:255"`
	Kind      string `gorm:"size:10;not null;default:private;index:idx_room_kind_active"`
	CreatedBy uint   `gorm:"index;not null"`
	IsActive  bool   `gorm:"not null;default:true;index:idx_room_kind_active"`
	// PairKey 对 private 房间取 "minUserID:maxUserID"，唯一索引保证一对用户
	// 至多一个活跃私聊房间；group 房间留空。
	PairKey        *string `gorm:"uniqueIndex;size:42"`
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Membership struct {
	ID                   uint   `gorm:"primaryKey"`
	UserID               uint   `gorm:"uniqueIndex:idx_member_user_room;not null"`
	RoomID               string `gorm:"uniqueIndex:idx_member_user_room;index:idx_member_room_role;size:36;not null"`
	Role                 string `gorm:"index:idx_member_room_role;size:10;not null;default:member"`
	JoinedAt             time.Time
	LastReadKey          *int64 // 指向最后已读消息的排序键
	NotificationsEnabled bool   `gorm:"not null;default:true"`
}

type Message struct {
	ID     string `gorm:"primaryKey;size:36"`
	RoomID string `gorm:"index:idx_msg_room_key,priority:1;size:36;not null"`
	// OrderKey 在房间内严格递增，消息全序由它决定而非时间戳。
	OrderKey         int64  `gorm:"index:idx_msg_room_key,priority:2;not null"`
	SenderID         uint   `gorm:"index;not null"`
	MessageType      string `gorm:"size:10;not null;default:text"`
	EncryptedContent string `gorm:"type:text"`
	ContentHash      string `gorm:"size:64"`
	IsEdited         bool   `gorm:"not null;default:false"`
	EditedAt         *time.Time
	IsDeleted        bool    `gorm:"not null;default:false"`
	ReplyToID        *string `gorm:"size:36"`
	CreatedAt        time.Time
}

type Receipt struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID string `gorm:"uniqueIndex:idx_receipt_msg_user;size:36;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_receipt_msg_user;index;not null"`
	Status    string `gorm:"size:10;not null;default:sent"`
	UpdatedAt time.Time
}

type Presence struct {
	UserID          uint   `gorm:"primaryKey"`
	Status          string `gorm:"size:10;not null;default:offline"`
	LastSeenAt      time.Time
	TypingInRoomID  *string `gorm:"size:36"`
	TypingStartedAt *time.Time
}
