package membership

import (
	"errors"
	"fmt"
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 业务层通用错误，网关与 handler 按错误类型映射到 error 事件或 HTTP 状态码。
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotMember        = errors.New("not a member")
	ErrInsufficientRole = errors.New("insufficient role")
	ErrUserNotFound     = errors.New("user not found")
)

// Authority 是房间成员关系的唯一裁决者：加入房间、私聊创建、邀请、
// 退出与角色继任都经由这里，持久化在事务内完成。
type Authority struct {
	db *gorm.DB
}

func NewAuthority(db *gorm.DB) *Authority {
	return &Authority{db: db}
}

// pairKey 用无序的用户对标识私聊房间，保证一对用户至多一个活跃私聊。
func pairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// CanJoin 判断用户是否可以在房间内行动：房间存在、处于活跃状态且用户是成员。
func (a *Authority) CanJoin(userID uint, roomID string) (bool, error) {
	var room models.Room
	if err := a.db.First(&room, "id = ? AND is_active = true", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrRoomNotFound
		}
		return false, err
	}
	var count int64
	if err := a.db.Model(&models.Membership{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Membership 返回 (user, room) 的成员记录。
func (a *Authority) Membership(userID uint, roomID string) (*models.Membership, error) {
	var m models.Membership
	err := a.db.Where("user_id = ? AND room_id = ?", userID, roomID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotMember
		}
		return nil, err
	}
	return &m, nil
}

// EnsurePrivateRoom 幂等地获取或创建两名用户之间的私聊房间。
// created 报告本次调用是否真正建了新房间，复用已有房间时为 false，
// 调用方据此决定是否触发一次性的配对副作用。并发竞争创建同一对用户
// 的房间时，pair_key 唯一索引让后到的插入失败，失败方回退为查询
// 已存在的房间并报告 created=false，两边拿到同一条记录。
func (a *Authority) EnsurePrivateRoom(userA, userB uint) (room *models.Room, created bool, err error) {
	if userA == userB {
		return nil, false, ErrUserNotFound
	}
	var users []models.User
	if err := a.db.Where("id IN ?", []uint{userA, userB}).Find(&users).Error; err != nil {
		return nil, false, err
	}
	if len(users) != 2 {
		return nil, false, ErrUserNotFound
	}

	key := pairKey(userA, userB)
	var existing models.Room
	err = a.db.Where("pair_key = ? AND is_active = true", key).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	now := time.Now()
	fresh := models.Room{
		ID:             uuid.NewString(),
		Kind:           models.RoomPrivate,
		CreatedBy:      userA,
		IsActive:       true,
		PairKey:        &key,
		LastActivityAt: now,
	}
	err = a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fresh).Error; err != nil {
			return err
		}
		members := []models.Membership{
			{UserID: userA, RoomID: fresh.ID, Role: models.RoleMember, JoinedAt: now, NotificationsEnabled: true},
			{UserID: userB, RoomID: fresh.ID, Role: models.RoleMember, JoinedAt: now, NotificationsEnabled: true},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		// 撞上唯一索引说明另一个调用先建好了，取它的结果。
		var raced models.Room
		if err2 := a.db.Where("pair_key = ? AND is_active = true", key).First(&raced).Error; err2 == nil {
			return &raced, false, nil
		}
		return nil, false, err
	}
	return &fresh, true, nil
}

// CreateGroupRoom 创建群聊房间，创建者为 owner，其余成员为 member。
func (a *Authority) CreateGroupRoom(creatorID uint, name string, memberIDs []uint) (*models.Room, error) {
	now := time.Now()
	room := models.Room{
		ID:             uuid.NewString(),
		Name:           name,
		Kind:           models.RoomGroup,
		CreatedBy:      creatorID,
		IsActive:       true,
		LastActivityAt: now,
	}
	err := a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		members := []models.Membership{
			{UserID: creatorID, RoomID: room.ID, Role: models.RoleOwner, JoinedAt: now, NotificationsEnabled: true},
		}
		seen := map[uint]struct{}{creatorID: {}}
		for _, id := range memberIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			members = append(members, models.Membership{
				UserID: id, RoomID: room.ID, Role: models.RoleMember, JoinedAt: now, NotificationsEnabled: true,
			})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// Invite 由 admin/owner 将目标用户加入房间，已是成员的目标被跳过。
// 返回实际新增的成员 ID。
func (a *Authority) Invite(callerID uint, roomID string, targetIDs []uint) ([]uint, error) {
	var room models.Room
	if err := a.db.First(&room, "id = ? AND is_active = true", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	caller, err := a.Membership(callerID, roomID)
	if err != nil {
		return nil, err
	}
	if caller.Role != models.RoleAdmin && caller.Role != models.RoleOwner {
		return nil, ErrInsufficientRole
	}

	var existing []models.Membership
	if err := a.db.Where("room_id = ?", roomID).Find(&existing).Error; err != nil {
		return nil, err
	}
	already := make(map[uint]struct{}, len(existing))
	for _, m := range existing {
		already[m.UserID] = struct{}{}
	}

	var targets []models.User
	if err := a.db.Where("id IN ?", targetIDs).Find(&targets).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	added := make([]uint, 0, len(targets))
	rows := make([]models.Membership, 0, len(targets))
	for _, u := range targets {
		if _, ok := already[u.ID]; ok {
			continue
		}
		already[u.ID] = struct{}{}
		added = append(added, u.ID)
		rows = append(rows, models.Membership{
			UserID: u.ID, RoomID: roomID, Role: models.RoleMember, JoinedAt: now, NotificationsEnabled: true,
		})
	}
	if len(rows) == 0 {
		return added, nil
	}
	if err := a.db.Create(&rows).Error; err != nil {
		return nil, err
	}
	return added, nil
}

// Leave 删除成员记录。群聊中 owner 退出时确定性地移交所有权：
// 已有 admin 优先，否则 joined_at 最早的成员接任。
func (a *Authority) Leave(userID uint, roomID string) error {
	var room models.Room
	if err := a.db.First(&room, "id = ? AND is_active = true", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	return a.db.Transaction(func(tx *gorm.DB) error {
		var m models.Membership
		if err := tx.Where("user_id = ? AND room_id = ?", userID, roomID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotMember
			}
			return err
		}
		if err := tx.Delete(&m).Error; err != nil {
			return err
		}
		if room.Kind != models.RoomGroup || m.Role != models.RoleOwner {
			return nil
		}
		var successor models.Membership
		err := tx.Where("room_id = ? AND role = ?", roomID, models.RoleAdmin).
			Order("joined_at asc, id asc").First(&successor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = tx.Where("room_id = ?", roomID).
				Order("joined_at asc, id asc").First(&successor).Error
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // room emptied out
		}
		if err != nil {
			return err
		}
		return tx.Model(&successor).Update("role", models.RoleOwner).Error
	})
}

// RoomSummary 是房间列表条目，带未读数与最近活跃时间。
type RoomSummary struct {
	Room        models.Room
	Role        string
	UnreadCount int64
}

// RoomsFor 返回用户所属的活跃房间，按最近活跃排序，并统计未读消息数
// （排序键大于 last_read_key 的未删除消息；从未读过则统计全部）。
func (a *Authority) RoomsFor(userID uint) ([]RoomSummary, error) {
	var ms []models.Membership
	if err := a.db.Where("user_id = ?", userID).Find(&ms).Error; err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return []RoomSummary{}, nil
	}
	roomIDs := make([]string, 0, len(ms))
	byRoom := make(map[string]models.Membership, len(ms))
	for _, m := range ms {
		roomIDs = append(roomIDs, m.RoomID)
		byRoom[m.RoomID] = m
	}
	var rooms []models.Room
	if err := a.db.Where("id IN ? AND is_active = true", roomIDs).
		Order("last_activity_at desc").Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		m := byRoom[room.ID]
		q := a.db.Model(&models.Message{}).Where("room_id = ? AND is_deleted = false", room.ID)
		if m.LastReadKey != nil {
			q = q.Where("order_key > ?", *m.LastReadKey)
		}
		var unread int64
		if err := q.Count(&unread).Error; err != nil {
			return nil, err
		}
		out = append(out, RoomSummary{Room: room, Role: m.Role, UnreadCount: unread})
	}
	return out, nil
}

// MemberIDs 返回房间全部成员的用户 ID。
func (a *Authority) MemberIDs(roomID string) ([]uint, error) {
	var ms []models.Membership
	if err := a.db.Where("room_id = ?", roomID).Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]uint, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.UserID)
	}
	return out, nil
}
