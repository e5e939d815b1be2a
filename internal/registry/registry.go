package registry

import (
	"sync"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sendBuffer = 256

// Session 是一条已认证连接的注册表侧状态。rooms 记录本连接已加入的
// 房间，仅由 Registry 在锁内修改；发送通道由网关的 writePump 消费。
type Session struct {
	ID       string
	UserID   uint
	Username string

	send   chan []byte
	closed bool
	rooms  map[string]struct{}
}

// Outbound 返回会话的出站事件通道，通道关闭即要求网关关闭连接。
func (s *Session) Outbound() <-chan []byte { return s.send }

// Registry 维护 身份→会话集合 与 房间→会话集合 两个索引。
// 同一用户可同时持有多个会话（多端登录），这修正了按用户覆盖
// 单个会话槽位的旧实现。所有变更在同一把锁内完成，保证同一身份
// 或同一房间的并发 join/leave 不会丢失更新。
type Registry struct {
	mu        sync.RWMutex
	byUser    map[uint]map[*Session]struct{}
	byRoom    map[string]map[*Session]struct{}
	shutdown  bool
	onOffline func(userID uint)
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[uint]map[*Session]struct{}),
		byRoom: make(map[string]map[*Session]struct{}),
	}
}

// OnIdentityOffline 注册"某身份最后一个会话消失"的回调，回调在锁外执行。
func (r *Registry) OnIdentityOffline(fn func(userID uint)) {
	r.mu.Lock()
	r.onOffline = fn
	r.mu.Unlock()
}

// NewSession 创建一个尚未注册的会话对象。
func (r *Registry) NewSession(userID uint, username string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		send:     make(chan []byte, sendBuffer),
		rooms:    make(map[string]struct{}),
	}
}

// Register 将会话加入身份索引。ok 为 false 表示注册表已关停。
// first 表示这是该身份的第一个会话，与 Unregister 的 wentOffline
// 对称，必须在同一临界区内判定，锁外重数会话在并发注册下会漏报。
func (r *Registry) Register(s *Session) (first, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false, false
	}
	set := r.byUser[s.UserID]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byUser[s.UserID] = set
	}
	first = len(set) == 0
	set[s] = struct{}{}
	metrics.WsConnections.Inc()
	return first, true
}

// Unregister 摘除会话并清理房间索引；若该身份已无会话则返回 true，
// 并触发 offline 回调。重复调用无副作用。
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	set, ok := r.byUser[s.UserID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := set[s]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, s)
	wentOffline := len(set) == 0
	if wentOffline {
		delete(r.byUser, s.UserID)
	}
	for roomID := range s.rooms {
		r.removeFromRoomLocked(s, roomID)
	}
	r.closeLocked(s)
	metrics.WsConnections.Dec()
	cb := r.onOffline
	r.mu.Unlock()

	if wentOffline && cb != nil {
		cb(s.UserID)
	}
	return wentOffline
}

// JoinRoom 将会话加入房间索引。调用方必须先通过成员鉴权。
func (r *Registry) JoinRoom(s *Session, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return
	}
	s.rooms[roomID] = struct{}{}
	set := r.byRoom[roomID]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byRoom[roomID] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) LeaveRoom(s *Session, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(s.rooms, roomID)
	r.removeFromRoomLocked(s, roomID)
}

func (r *Registry) removeFromRoomLocked(s *Session, roomID string) {
	if set, ok := r.byRoom[roomID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

// InRoom 报告会话当前是否加入了指定房间。
func (r *Registry) InRoom(s *Session, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (r *Registry) SessionsFor(userID uint) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

func (r *Registry) SessionsInRoom(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byRoom[roomID]))
	for s := range r.byRoom[roomID] {
		out = append(out, s)
	}
	return out
}

// UsersInRoom 返回房间内至少有一个活跃会话的用户集合，
// 管道用它把回执从 sent 推进到 delivered。
func (r *Registry) UsersInRoom(roomID string) map[uint]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint]struct{}, len(r.byRoom[roomID]))
	for s := range r.byRoom[roomID] {
		out[s.UserID] = struct{}{}
	}
	return out
}

func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Send 向单个会话投递事件；缓冲写满视为慢消费者，直接关闭其通道，
// 连接由网关随后收尾。
func (r *Registry) Send(s *Session, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendLocked(s, payload)
}

func (r *Registry) sendLocked(s *Session, payload []byte) {
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
		metrics.FanoutTotal.Inc()
	default:
		log.Warn().Str("session_id", s.ID).Uint("user_id", s.UserID).Msg("outbound buffer full, dropping session")
		metrics.DroppedSessionsTotal.Inc()
		r.closeLocked(s)
	}
}

// BroadcastRoom 将事件扇出到房间内全部会话，except 用于排除发起连接。
func (r *Registry) BroadcastRoom(roomID string, payload []byte, except *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.byRoom[roomID] {
		if s == except {
			continue
		}
		r.sendLocked(s, payload)
	}
}

// BroadcastUser 将事件投递给某身份的全部会话（多端同步）。
func (r *Registry) BroadcastUser(userID uint, payload []byte, except *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.byUser[userID] {
		if s == except {
			continue
		}
		r.sendLocked(s, payload)
	}
}

func (r *Registry) closeLocked(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Shutdown 关停注册表：关闭全部会话通道并拒绝后续注册。索引随即清空，
// 此后网关补发的 Unregister 不会再减连接计数，所以在这里结清。
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	dropped := 0
	for _, set := range r.byUser {
		for s := range set {
			r.closeLocked(s)
			dropped++
		}
	}
	metrics.WsConnections.Sub(float64(dropped))
	r.byUser = make(map[uint]map[*Session]struct{})
	r.byRoom = make(map[string]map[*Session]struct{})
}
