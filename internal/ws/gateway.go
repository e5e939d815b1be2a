package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/auth"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/config"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/events"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/membership"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/pipeline"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/presence"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// 连接关闭码区分三种结局：未认证、无权访问房间、正常关闭。
const (
	CloseUnauthenticated = 4001
	CloseForbidden       = 4003
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway 是实时连接的入口：认证、注册会话、分发入站事件。
// 每条连接的失败都被隔离在自身的处理循环里，任何入站错误都不会
// 让进程崩溃，除连接时认证失败外也不会导致连接被挂断。
type Gateway struct {
	cfg     config.Config
	db      *gorm.DB
	reg     *registry.Registry
	members *membership.Authority
	tracker *presence.Tracker
	pipe    *pipeline.Pipeline
}

func NewGateway(cfg config.Config, db *gorm.DB, reg *registry.Registry, members *membership.Authority, tracker *presence.Tracker, pipe *pipeline.Pipeline) *Gateway {
	return &Gateway{cfg: cfg, db: db, reg: reg, members: members, tracker: tracker, pipe: pipe}
}

func closeWith(c *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.Close()
}

// Serve 处理 /ws 升级。令牌缺失或无效以 4001 关闭（换新凭证前重试无意义）；
// 携带 room_id 预加入时，成员鉴权失败以 4003 关闭。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		roomID := c.Query("room_id")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		if token == "" {
			closeWith(conn, CloseUnauthenticated, "missing token")
			return
		}
		claims, err := auth.VerifyToken(token, g.cfg.JWTSecret)
		if err != nil {
			closeWith(conn, CloseUnauthenticated, "invalid token")
			return
		}
		var user models.User
		if err := g.db.First(&user, claims.UserID).Error; err != nil {
			closeWith(conn, CloseUnauthenticated, "user not found")
			return
		}

		if roomID != "" {
			ok, err := g.members.CanJoin(user.ID, roomID)
			if err != nil || !ok {
				closeWith(conn, CloseForbidden, "room access denied")
				return
			}
		}

		sess := g.reg.NewSession(user.ID, user.Username)
		first, ok := g.reg.Register(sess)
		if !ok {
			closeWith(conn, websocket.CloseNormalClosure, "shutting down")
			return
		}
		g.tracker.HandleOnline(sess, first)
		log.Info().Uint("user_id", user.ID).Str("session_id", sess.ID).Msg("session connected")

		if roomID != "" {
			g.reg.JoinRoom(sess, roomID)
			g.reg.BroadcastRoom(roomID, events.UserJoined(roomID, user.ID, user.Username), sess)
		}

		cc := &clientConn{g: g, ws: conn, sess: sess}
		go cc.writePump()
		cc.readPump()
	}
}

type clientConn struct {
	g    *Gateway
	ws   *websocket.Conn
	sess *registry.Session
}

func (c *clientConn) heartbeatWindow() time.Duration {
	return time.Duration(c.g.cfg.HeartbeatTimeoutSeconds) * time.Second
}

// readPump 消费入站事件。心跳窗口内收不到任何帧（含 pong）视为隐式掉线。
func (c *clientConn) readPump() {
	defer func() {
		c.g.reg.Unregister(c.sess)
		_ = c.ws.Close()
		log.Info().Uint("user_id", c.sess.UserID).Str("session_id", c.sess.ID).Msg("session disconnected")
	}()
	c.ws.SetReadLimit(1 << 20) // 1MB
	_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatWindow()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.heartbeatWindow()))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		ev, err := events.Decode(data)
		if err != nil {
			c.g.reg.Send(c.sess, events.Error(events.CodeInvalidPayload, err.Error()))
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch 对已解码的事件做穷尽分发；Decode 保证不会出现未知类型。
func (c *clientConn) dispatch(ev any) {
	switch ev := ev.(type) {
	case events.JoinRoom:
		c.handleJoin(ev)
	case events.LeaveRoom:
		c.handleLeave(ev)
	case events.SendMessage:
		out, err := c.g.pipe.Send(c.sess, ev)
		if err != nil {
			c.fail(err)
			return
		}
		// 管道扇出时排除了发起连接，这里单独投递一次，保证每连接恰好一份。
		c.g.reg.Send(c.sess, events.NewMessage(*out))
	case events.EditMessage:
		out, err := c.g.pipe.Edit(c.sess, ev)
		if err != nil {
			c.fail(err)
			return
		}
		c.g.reg.Send(c.sess, events.MessageEdited(*out))
	case events.DeleteMessage:
		roomID, err := c.g.pipe.Delete(c.sess, ev)
		if err != nil {
			c.fail(err)
			return
		}
		c.g.reg.Send(c.sess, events.MessageDeleted(roomID, ev.MessageID, c.sess.UserID))
	case events.TypingStart:
		if !c.g.reg.InRoom(c.sess, ev.RoomID) {
			c.g.reg.Send(c.sess, events.Error(events.CodeForbidden, "join the room first"))
			return
		}
		c.g.tracker.StartTyping(c.sess, ev.RoomID)
	case events.TypingStop:
		if !c.g.reg.InRoom(c.sess, ev.RoomID) {
			c.g.reg.Send(c.sess, events.Error(events.CodeForbidden, "join the room first"))
			return
		}
		c.g.tracker.StopTyping(c.sess, ev.RoomID)
	case events.MarkRead:
		if err := c.g.pipe.MarkRead(c.sess, ev.MessageIDs); err != nil {
			c.fail(err)
		}
	case events.Heartbeat:
		_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatWindow()))
		c.g.tracker.Heartbeat(c.sess)
	}
}

func (c *clientConn) handleJoin(ev events.JoinRoom) {
	ok, err := c.g.members.CanJoin(c.sess.UserID, ev.RoomID)
	if err != nil {
		c.fail(err)
		return
	}
	if !ok {
		c.g.reg.Send(c.sess, events.Error(events.CodeForbidden, "not a member of this room"))
		return
	}
	c.g.reg.JoinRoom(c.sess, ev.RoomID)
	c.g.reg.BroadcastRoom(ev.RoomID, events.UserJoined(ev.RoomID, c.sess.UserID, c.sess.Username), c.sess)
}

func (c *clientConn) handleLeave(ev events.LeaveRoom) {
	c.g.reg.LeaveRoom(c.sess, ev.RoomID)
	c.g.reg.BroadcastRoom(ev.RoomID, events.UserLeft(ev.RoomID, c.sess.UserID, c.sess.Username), c.sess)
}

// fail 把业务错误映射为客户端可见的 error 事件；基础设施错误只给出
// 笼统失败并记日志，连接保持打开。
func (c *clientConn) fail(err error) {
	c.g.reg.Send(c.sess, MapError(err))
}

// MapError 将管道与鉴权错误归入对外错误码。
func MapError(err error) []byte {
	switch {
	case errors.Is(err, membership.ErrRoomNotFound),
		errors.Is(err, pipeline.ErrMessageNotFound),
		errors.Is(err, pipeline.ErrMessageDeleted),
		errors.Is(err, membership.ErrUserNotFound):
		return events.Error(events.CodeNotFound, err.Error())
	case errors.Is(err, membership.ErrNotMember),
		errors.Is(err, membership.ErrInsufficientRole),
		errors.Is(err, pipeline.ErrNotOwner):
		return events.Error(events.CodeForbidden, err.Error())
	case errors.Is(err, pipeline.ErrContentValidation):
		return events.Error(events.CodeIntegrity, err.Error())
	case errors.Is(err, pipeline.ErrInvalidMessageType):
		return events.Error(events.CodeInvalidPayload, err.Error())
	default:
		log.Error().Err(err).Msg("chat operation failed")
		return events.Error(events.CodeInternal, "operation failed")
	}
}

// writePump 把注册表投递的事件写到连接上，通道关闭即发正常关闭帧退出。
// 周期性 ping 维持传输层 keep-alive。
func (c *clientConn) writePump() {
	pingInterval := c.heartbeatWindow() / 2
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case payload, ok := <-c.sess.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(payload)
			_ = w.Close()
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
