package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/auth"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/membership"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/notify"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/pipeline"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/presence"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Handler 聚合所有 REST handler，依赖注入各领域服务。
type Handler struct {
	db       *gorm.DB
	members  *membership.Authority
	pipe     *pipeline.Pipeline
	tracker  *presence.Tracker
	notifier notify.Notifier
}

func NewHandler(db *gorm.DB, members *membership.Authority, pipe *pipeline.Pipeline, tracker *presence.Tracker, notifier notify.Notifier) *Handler {
	return &Handler{db: db, members: members, pipe: pipe, tracker: tracker, notifier: notifier}
}

// writeDomainErr 把领域哨兵错误映射到 HTTP 状态码。
func writeDomainErr(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, membership.ErrRoomNotFound),
		errors.Is(err, pipeline.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, membership.ErrUserNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown user"})
	case errors.Is(err, membership.ErrNotMember),
		errors.Is(err, membership.ErrInsufficientRole):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		log.Error().Err(err).Str("op", op).Msg("rest handler")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ListRooms 返回调用者的活跃房间，按最近活跃排序并附带未读数。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.members.RoomsFor(auth.GetUserID(c))
	if err != nil {
		writeDomainErr(c, err, "list rooms")
		return
	}
	type roomDTO struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Kind        string `json:"kind"`
		Role        string `json:"role"`
		UnreadCount int64  `json:"unread_count"`
		LastActive  int64  `json:"last_activity_at"`
	}
	out := make([]roomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomDTO{
			ID:          r.Room.ID,
			Name:        r.Room.Name,
			Kind:        r.Room.Kind,
			Role:        r.Role,
			UnreadCount: r.UnreadCount,
			LastActive:  r.Room.LastActivityAt.UnixMicro(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// CreateGroupRoom 以调用者为 owner 建群聊房间。
func (h *Handler) CreateGroupRoom(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		MemberIDs []uint `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.members.CreateGroupRoom(auth.GetUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		writeDomainErr(c, err, "create group room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": gin.H{"id": room.ID, "name": room.Name, "kind": room.Kind}})
}

// EnsurePrivateRoom 为调用者与对端建立（或复用）一对一房间。
// 导师与人才首次配对时会触发选中通知。
func (h *Handler) EnsurePrivateRoom(c *gin.Context) {
	var req struct {
		PeerID uint `json:"peer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PeerID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	callerID := auth.GetUserID(c)
	if req.PeerID == callerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}
	room, created, err := h.members.EnsurePrivateRoom(callerID, req.PeerID)
	if err != nil {
		writeDomainErr(c, err, "ensure private room")
		return
	}
	// 选中通知只在房间真正新建时发一次，复用已有房间不重复打扰。
	if created {
		go h.notifyPairing(callerID, req.PeerID)
	}
	c.JSON(http.StatusOK, gin.H{"room": gin.H{"id": room.ID, "kind": room.Kind}})
}

// notifyPairing 在导师/人才组合下发出选中通知，其余组合静默。
func (h *Handler) notifyPairing(callerID, peerID uint) {
	var caller, peer models.User
	if err := h.db.First(&caller, callerID).Error; err != nil {
		return
	}
	if err := h.db.First(&peer, peerID).Error; err != nil {
		return
	}
	switch {
	case caller.UserType == "mentor" && peer.UserType == "talent":
		h.notifier.NotifySelection(caller, peer)
	case caller.UserType == "talent" && peer.UserType == "mentor":
		h.notifier.NotifySelection(peer, caller)
	}
}

// Invite 把一批用户拉入群聊，要求调用者为 admin 或 owner。
func (h *Handler) Invite(c *gin.Context) {
	var req struct {
		UserIDs []uint `json:"user_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.UserIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	added, err := h.members.Invite(auth.GetUserID(c), c.Param("id"), req.UserIDs)
	if err != nil {
		writeDomainErr(c, err, "invite")
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

// LeaveRoom 退出房间；群主退出时由继任规则移交所有权。
func (h *Handler) LeaveRoom(c *gin.Context) {
	if err := h.members.Leave(auth.GetUserID(c), c.Param("id")); err != nil {
		writeDomainErr(c, err, "leave room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListMessages 分页拉取房间历史，软删除消息以墓碑形式返回。
func (h *Handler) ListMessages(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	var beforeKey int64
	if s := c.Query("before_key"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_key"})
			return
		}
		beforeKey = n
	}
	msgs, err := h.pipe.History(auth.GetUserID(c), c.Param("id"), beforeKey, limit)
	if err != nil {
		writeDomainErr(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkRead 批量推进回执到 read，等价于连接内的 mark_read 事件。
func (h *Handler) MarkRead(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.MessageIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.pipe.MarkReadFor(auth.GetUserID(c), req.MessageIDs); err != nil {
		writeDomainErr(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PresenceSnapshot 查询一批用户的在线状态与输入指示。
func (h *Handler) PresenceSnapshot(c *gin.Context) {
	raw := c.Query("user_ids")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids required"})
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many user_ids"})
		return
	}
	ids := make([]uint, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_ids"})
			return
		}
		ids = append(ids, uint(n))
	}
	entries, err := h.tracker.Snapshot(ids)
	if err != nil {
		writeDomainErr(c, err, "presence snapshot")
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": entries})
}
