package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/events"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/integrity"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/membership"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/metrics"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/notify"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrContentValidation  = errors.New("content validation failed")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotOwner           = errors.New("not message owner")
	ErrMessageDeleted     = errors.New("message deleted")
)

// roomSeq 串行化单个房间的排序键分配与落库：持锁贯穿 持久化提交，
// 保证排序键次序与提交次序一致，并发发送绝不产生相等的键。
type roomSeq struct {
	mu      sync.Mutex
	lastKey int64
	loaded  bool
}

// Pipeline 实现消息主通路：校验 → 持久化 → 排序戳 → 扇出 → 回执。
// 成员资格走持久化的 Authority 而非连接级 join 状态：join 是连接作用域,
// 成员关系才是权威。
type Pipeline struct {
	db       *gorm.DB
	reg      *registry.Registry
	auth     *membership.Authority
	notifier notify.Notifier

	mu    sync.Mutex
	rooms map[string]*roomSeq
}

func NewPipeline(db *gorm.DB, reg *registry.Registry, auth *membership.Authority, notifier notify.Notifier) *Pipeline {
	return &Pipeline{db: db, reg: reg, auth: auth, notifier: notifier, rooms: make(map[string]*roomSeq)}
}

func (p *Pipeline) seq(roomID string) *roomSeq {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.rooms[roomID]
	if !ok {
		s = &roomSeq{}
		p.rooms[roomID] = s
	}
	return s
}

// nextKey 在房间锁内分配严格递增的排序键：取当前微秒时间戳，
// 与上一个键相同或回退时落在 last+1 上。
func (s *roomSeq) nextKey(db *gorm.DB, roomID string) (int64, error) {
	if !s.loaded {
		var max *int64
		err := db.Model(&models.Message{}).Where("room_id = ?", roomID).
			Select("max(order_key)").Scan(&max).Error
		if err != nil {
			return 0, err
		}
		if max != nil {
			s.lastKey = *max
		}
		s.loaded = true
	}
	key := time.Now().UnixMicro()
	if key <= s.lastKey {
		key = s.lastKey + 1
	}
	s.lastKey = key
	return key, nil
}

func dto(m models.Message, senderUsername string) events.MessageDTO {
	return events.MessageDTO{
		MessageID:        m.ID,
		RoomID:           m.RoomID,
		OrderKey:         m.OrderKey,
		SenderID:         m.SenderID,
		SenderUsername:   senderUsername,
		MessageType:      m.MessageType,
		EncryptedContent: m.EncryptedContent,
		ContentHash:      m.ContentHash,
		Timestamp:        m.CreatedAt,
		IsEdited:         m.IsEdited,
		IsDeleted:        m.IsDeleted,
		ReplyTo:          m.ReplyToID,
	}
}

// Send 处理一条新消息。失败在持久化之前发生则无任何状态变化；
// 一旦提交成功，发起连接随后掉线也不回滚，扇出照常进行。
func (p *Pipeline) Send(s *registry.Session, ev events.SendMessage) (*events.MessageDTO, error) {
	isMember, err := p.auth.CanJoin(s.UserID, ev.RoomID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, membership.ErrNotMember
	}
	if !models.ValidMessageType(ev.MessageType) {
		return nil, ErrInvalidMessageType
	}
	if !integrity.Verify([]byte(ev.EncryptedContent), ev.ContentHash) {
		metrics.IntegrityFailuresTotal.Inc()
		return nil, ErrContentValidation
	}

	// reply_to 只接受同房间的既有消息，对不上则静默丢弃引用。
	var replyTo *string
	if ev.ReplyTo != nil && *ev.ReplyTo != "" {
		var count int64
		if err := p.db.Model(&models.Message{}).
			Where("id = ? AND room_id = ?", *ev.ReplyTo, ev.RoomID).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			replyTo = ev.ReplyTo
		}
	}

	memberIDs, err := p.auth.MemberIDs(ev.RoomID)
	if err != nil {
		return nil, err
	}

	seq := p.seq(ev.RoomID)
	seq.mu.Lock()
	key, err := seq.nextKey(p.db, ev.RoomID)
	if err != nil {
		seq.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	msg := models.Message{
		ID:               uuid.NewString(),
		RoomID:           ev.RoomID,
		OrderKey:         key,
		SenderID:         s.UserID,
		MessageType:      ev.MessageType,
		EncryptedContent: ev.EncryptedContent,
		ContentHash:      ev.ContentHash,
		ReplyToID:        replyTo,
		CreatedAt:        now,
	}

	// 活跃会话集在发送时刻采样，决定哪些回执直接推进到 delivered。
	active := p.reg.UsersInRoom(ev.RoomID)
	delivered := make([]uint, 0, len(memberIDs))

	err = p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Room{}).Where("id = ?", ev.RoomID).
			Update("last_activity_at", now).Error; err != nil {
			return err
		}
		receipts := make([]models.Receipt, 0, len(memberIDs))
		for _, uid := range memberIDs {
			if uid == s.UserID {
				continue
			}
			status := models.ReceiptSent
			if _, ok := active[uid]; ok {
				status = models.ReceiptDelivered
				delivered = append(delivered, uid)
			}
			receipts = append(receipts, models.Receipt{MessageID: msg.ID, UserID: uid, Status: status, UpdatedAt: now})
		}
		if len(receipts) == 0 {
			return nil
		}
		return tx.Create(&receipts).Error
	})
	seq.mu.Unlock()
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()
	metrics.ReceiptTransitionsTotal.WithLabelValues(models.ReceiptSent).Add(float64(len(memberIDs) - 1 - len(delivered)))
	metrics.ReceiptTransitionsTotal.WithLabelValues(models.ReceiptDelivered).Add(float64(len(delivered)))

	out := dto(msg, s.Username)

	// 扇出给房间内全部会话（含发送者的其他设备），排除发起连接本身。
	p.reg.BroadcastRoom(ev.RoomID, events.NewMessage(out), s)

	// 发起方的各设备同步 delivered 回执。
	for _, uid := range delivered {
		p.reg.BroadcastUser(s.UserID, events.ReceiptUpdate(ev.RoomID, []string{msg.ID}, uid, models.ReceiptDelivered), nil)
	}

	// 离线且开启通知的成员走外部分发器，异步、尽力而为，
	// 不持有任何锁，也不拖慢在线扇出。
	go p.notifyOffline(msg, memberIDs, s.UserID)

	return &out, nil
}

func (p *Pipeline) notifyOffline(msg models.Message, memberIDs []uint, senderID uint) {
	offline := make([]uint, 0, len(memberIDs))
	for _, uid := range memberIDs {
		if uid == senderID || p.reg.IsOnline(uid) {
			continue
		}
		offline = append(offline, uid)
	}
	if len(offline) == 0 {
		return
	}
	var ms []models.Membership
	if err := p.db.Where("room_id = ? AND user_id IN ? AND notifications_enabled = true", msg.RoomID, offline).
		Find(&ms).Error; err != nil {
		log.Error().Err(err).Str("room_id", msg.RoomID).Msg("offline notification memberships")
		return
	}
	enabled := make([]uint, 0, len(ms))
	for _, m := range ms {
		enabled = append(enabled, m.UserID)
	}
	if len(enabled) == 0 {
		return
	}
	var users []models.User
	if err := p.db.Where("id IN ?", enabled).Find(&users).Error; err != nil {
		log.Error().Err(err).Str("room_id", msg.RoomID).Msg("offline notification users")
		return
	}
	p.notifier.NotifyNewMessage(msg, users)
}

func (p *Pipeline) ownMessage(s *registry.Session, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := p.db.First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if msg.SenderID != s.UserID {
		return nil, ErrNotOwner
	}
	if msg.IsDeleted {
		return nil, ErrMessageDeleted
	}
	return &msg, nil
}

// Edit 修改自己的消息：重做完整性校验，更新密文/哈希/编辑时间戳，
// 并向房间扇出编辑事件。失败不落任何变更。
func (p *Pipeline) Edit(s *registry.Session, ev events.EditMessage) (*events.MessageDTO, error) {
	msg, err := p.ownMessage(s, ev.MessageID)
	if err != nil {
		return nil, err
	}
	if !integrity.Verify([]byte(ev.EncryptedContent), ev.ContentHash) {
		metrics.IntegrityFailuresTotal.Inc()
		return nil, ErrContentValidation
	}
	now := time.Now()
	updates := map[string]any{
		"encrypted_content": ev.EncryptedContent,
		"content_hash":      integrity.ContentHash([]byte(ev.EncryptedContent)),
		"is_edited":         true,
		"edited_at":         now,
	}
	// is_deleted 条件挡住 ownMessage 读取之后才提交的并发删除，
	// 已清空的墓碑不允许被改写回带负载的消息；零行更新即视为已删。
	res := p.db.Model(&models.Message{}).
		Where("id = ? AND is_deleted = false", msg.ID).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrMessageDeleted
	}
	msg.EncryptedContent = ev.EncryptedContent
	msg.ContentHash = updates["content_hash"].(string)
	msg.IsEdited = true
	msg.EditedAt = &now

	out := dto(*msg, s.Username)
	p.reg.BroadcastRoom(msg.RoomID, events.MessageEdited(out), s)
	return &out, nil
}

// Delete 软删除自己的消息：密文不可恢复地清空，id 与元数据保留，
// 排序与 reply 引用不受影响。返回消息所在的房间 id。
func (p *Pipeline) Delete(s *registry.Session, ev events.DeleteMessage) (string, error) {
	msg, err := p.ownMessage(s, ev.MessageID)
	if err != nil {
		return "", err
	}
	updates := map[string]any{
		"is_deleted":        true,
		"encrypted_content": "",
		"content_hash":      "",
	}
	if err := p.db.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
		return "", err
	}
	p.reg.BroadcastRoom(msg.RoomID, events.MessageDeleted(msg.RoomID, msg.ID, s.UserID), s)
	return msg.RoomID, nil
}

// MarkRead 将回执单调推进到 read，并把各房间的已读指针推到本批
// 消息中最大的排序键。已处于 read 的回执保持不变。
func (p *Pipeline) MarkRead(s *registry.Session, messageIDs []string) error {
	return p.markRead(s.UserID, s, messageIDs)
}

// MarkReadFor 是 REST 侧的入口，没有可排除的会话，回执事件会
// 广播给读者自己的全部连接。
func (p *Pipeline) MarkReadFor(userID uint, messageIDs []string) error {
	return p.markRead(userID, nil, messageIDs)
}

func (p *Pipeline) markRead(userID uint, except *registry.Session, messageIDs []string) error {
	var msgs []models.Message
	if err := p.db.Where("id IN ?", messageIDs).Find(&msgs).Error; err != nil {
		return err
	}
	if len(msgs) == 0 {
		return ErrMessageNotFound
	}

	// message_ids 可能跨房间，按房间分组推进指针。
	type roomAgg struct {
		maxKey int64
		ids    []string
	}
	byRoom := make(map[string]*roomAgg)
	for _, m := range msgs {
		agg := byRoom[m.RoomID]
		if agg == nil {
			agg = &roomAgg{}
			byRoom[m.RoomID] = agg
		}
		agg.ids = append(agg.ids, m.ID)
		if m.OrderKey > agg.maxKey {
			agg.maxKey = m.OrderKey
		}
	}

	for roomID, agg := range byRoom {
		if _, err := p.auth.Membership(userID, roomID); err != nil {
			if errors.Is(err, membership.ErrNotMember) {
				continue
			}
			return err
		}
		err := p.db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Receipt{}).
				Where("message_id IN ? AND user_id = ? AND status <> ?", agg.ids, userID, models.ReceiptRead).
				Updates(map[string]any{"status": models.ReceiptRead, "updated_at": time.Now()})
			if res.Error != nil {
				return res.Error
			}
			metrics.ReceiptTransitionsTotal.WithLabelValues(models.ReceiptRead).Add(float64(res.RowsAffected))
			return tx.Model(&models.Membership{}).
				Where("user_id = ? AND room_id = ? AND (last_read_key IS NULL OR last_read_key < ?)",
					userID, roomID, agg.maxKey).
				Update("last_read_key", agg.maxKey).Error
		})
		if err != nil {
			return err
		}
		p.reg.BroadcastRoom(roomID, events.ReceiptUpdate(roomID, agg.ids, userID, models.ReceiptRead), except)
	}
	return nil
}

// History 分页读取房间消息，按排序键升序返回；软删除的消息以墓碑
// 形式保留在序列里。
func (p *Pipeline) History(userID uint, roomID string, beforeKey int64, limit int) ([]events.MessageDTO, error) {
	isMember, err := p.auth.CanJoin(userID, roomID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, membership.ErrNotMember
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := p.db.Where("room_id = ?", roomID)
	if beforeKey > 0 {
		q = q.Where("order_key < ?", beforeKey)
	}
	var msgs []models.Message
	if err := q.Order("order_key desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := p.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]events.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, dto(m, usernames[m.SenderID]))
	}
	return out, nil
}

// resolveUsernames 批量补齐消息涉及的用户名。
func (p *Pipeline) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	usernames := make(map[uint]string, len(ids))
	if len(ids) > 0 {
		var users []models.User
		if err := p.db.Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
