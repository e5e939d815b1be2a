package presence

import (
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/events"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/membership"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/registry"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tracker 把注册表的会话事件推导成每个身份的在线/输入状态机：
// offline --注册会话--> online --注销最后一个会话--> offline。
// 输入指示器是 online 之下的子状态，停止、超时或掉线都会清除。
// 存储失败只记日志：在线状态是派生状态，不因此中断连接处理。
type Tracker struct {
	db            *gorm.DB
	reg           *registry.Registry
	auth          *membership.Authority
	typingTimeout time.Duration
}

func NewTracker(db *gorm.DB, reg *registry.Registry, auth *membership.Authority, typingTimeout time.Duration) *Tracker {
	return &Tracker{db: db, reg: reg, auth: auth, typingTimeout: typingTimeout}
}

func (t *Tracker) upsert(p models.Presence) {
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&p).Error
	if err != nil {
		log.Error().Err(err).Uint("user_id", p.UserID).Msg("presence upsert")
	}
}

// broadcastToRooms 把在线状态变化广播给该用户所属的全部活跃房间。
func (t *Tracker) broadcastToRooms(userID uint, payload []byte) {
	sums, err := t.auth.RoomsFor(userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("presence rooms lookup")
		return
	}
	for _, s := range sums {
		t.reg.BroadcastRoom(s.Room.ID, payload, nil)
	}
}

// HandleOnline 在会话注册成功后调用。first 由 Register 在其临界区内
// 判定并透传进来，只有身份的第一个会话广播 online，多端再上线不重复
// 打扰；在这里重数会话无法区分并发注册的两端。
func (t *Tracker) HandleOnline(s *registry.Session, first bool) {
	t.upsert(models.Presence{
		UserID:     s.UserID,
		Status:     models.PresenceOnline,
		LastSeenAt: time.Now(),
	})
	if first {
		t.broadcastToRooms(s.UserID, events.PresenceChanged(s.UserID, s.Username, models.PresenceOnline))
	}
}

// HandleOffline 在某身份最后一个会话消失时由注册表回调。
// 同时清除输入指示器并向相关房间广播。
func (t *Tracker) HandleOffline(userID uint) {
	var prev models.Presence
	hadTyping := false
	var typingRoom string
	if err := t.db.First(&prev, "user_id = ?", userID).Error; err == nil {
		if prev.TypingInRoomID != nil {
			hadTyping = true
			typingRoom = *prev.TypingInRoomID
		}
	}

	t.upsert(models.Presence{
		UserID:     userID,
		Status:     models.PresenceOffline,
		LastSeenAt: time.Now(),
	})

	username := t.username(userID)
	if hadTyping {
		t.reg.BroadcastRoom(typingRoom, events.TypingIndicator(typingRoom, userID, username, false), nil)
	}
	t.broadcastToRooms(userID, events.PresenceChanged(userID, username, models.PresenceOffline))
}

// StartTyping 记录输入指针并向房间其他会话广播，发起连接自身不收。
func (t *Tracker) StartTyping(s *registry.Session, roomID string) {
	now := time.Now()
	t.upsert(models.Presence{
		UserID:          s.UserID,
		Status:          models.PresenceOnline,
		LastSeenAt:      now,
		TypingInRoomID:  &roomID,
		TypingStartedAt: &now,
	})
	t.reg.BroadcastRoom(roomID, events.TypingIndicator(roomID, s.UserID, s.Username, true), s)
}

// StopTyping 清除输入指针并广播停止事件。
func (t *Tracker) StopTyping(s *registry.Session, roomID string) {
	t.upsert(models.Presence{
		UserID:     s.UserID,
		Status:     models.PresenceOnline,
		LastSeenAt: time.Now(),
	})
	t.reg.BroadcastRoom(roomID, events.TypingIndicator(roomID, s.UserID, s.Username, false), s)
}

// Heartbeat 刷新 last-seen 并重申 online，不改变任何房间归属。
func (t *Tracker) Heartbeat(s *registry.Session) {
	now := time.Now()
	err := t.db.Model(&models.Presence{}).Where("user_id = ?", s.UserID).
		Updates(map[string]any{"status": models.PresenceOnline, "last_seen_at": now}).Error
	if err != nil {
		log.Error().Err(err).Uint("user_id", s.UserID).Msg("presence heartbeat")
	}
}

// Entry 是对外呈现的在线状态，输入指针超过时效的按未输入处理。
type Entry struct {
	UserID     uint      `json:"user_id"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen"`
	TypingIn   *string   `json:"typing_in,omitempty"`
}

// Snapshot 读取一组用户的在线状态。过期的输入指针即使尚未被显式
// 清除，读取侧也一律忽略。
func (t *Tracker) Snapshot(userIDs []uint) ([]Entry, error) {
	var rows []models.Presence
	if err := t.db.Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Entry, 0, len(rows))
	for _, p := range rows {
		e := Entry{UserID: p.UserID, Status: p.Status, LastSeenAt: p.LastSeenAt}
		if p.Status == models.PresenceOnline && p.TypingInRoomID != nil && p.TypingStartedAt != nil &&
			now.Sub(*p.TypingStartedAt) <= t.typingTimeout {
			e.TypingIn = p.TypingInRoomID
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *Tracker) username(userID uint) string {
	var u models.User
	if err := t.db.Select("username").First(&u, userID).Error; err != nil {
		return ""
	}
	return u.Username
}
