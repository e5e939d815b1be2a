package ws

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/auth"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/config"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/db"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/integrity"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/membership"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/notify"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/pipeline"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/presence"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const testSecret = "ws-test-secret"

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=vauice port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	return gdb
}

func newUser(t *testing.T, gdb *gorm.DB, userType string) models.User {
	t.Helper()
	suffix := uuid.NewString()[:8]
	u := models.User{Username: "u-" + suffix, Email: "u-" + suffix + "@test.local", UserType: userType}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func signToken(t *testing.T, userID uint) string {
	t.Helper()
	claims := auth.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

type testEnv struct {
	gdb     *gorm.DB
	reg     *registry.Registry
	members *membership.Authority
	srv     *httptest.Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := testDB(t)
	cfg := config.Config{JWTSecret: testSecret, HeartbeatTimeoutSeconds: 60, TypingTimeoutSeconds: 10}
	reg := registry.NewRegistry()
	members := membership.NewAuthority(gdb)
	tracker := presence.NewTracker(gdb, reg, members, 10*time.Second)
	reg.OnIdentityOffline(tracker.HandleOffline)
	pipe := pipeline.NewPipeline(gdb, reg, members, notify.Noop{})
	gw := NewGateway(cfg, gdb, reg, members, tracker, pipe)

	r := gin.New()
	r.GET("/ws", gw.Serve())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(reg.Shutdown)
	return &testEnv{gdb: gdb, reg: reg, members: members, srv: srv}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

// readUntil skips interleaved presence traffic until the wanted type shows up.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev["type"] == wantType {
			return ev
		}
	}
	t.Fatalf("event %q never arrived", wantType)
	return nil
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != wantCode {
		t.Errorf("close code = %d, want %d", ce.Code, wantCode)
	}
}

func TestServe_RejectsMissingToken(t *testing.T) {
	env := newEnv(t)
	conn := env.dial(t, "")
	expectClose(t, conn, CloseUnauthenticated)
}

func TestServe_RejectsInvalidToken(t *testing.T) {
	env := newEnv(t)
	conn := env.dial(t, "token=garbage")
	expectClose(t, conn, CloseUnauthenticated)
}

func TestServe_RejectsForeignRoom(t *testing.T) {
	env := newEnv(t)
	mentor := newUser(t, env.gdb, "mentor")
	talent := newUser(t, env.gdb, "talent")
	outsider := newUser(t, env.gdb, "talent")
	room, _, err := env.members.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	conn := env.dial(t, "token="+signToken(t, outsider.ID)+"&room_id="+room.ID)
	expectClose(t, conn, CloseForbidden)
}

func TestServe_SendAndReceive(t *testing.T) {
	env := newEnv(t)
	mentor := newUser(t, env.gdb, "mentor")
	talent := newUser(t, env.gdb, "talent")
	room, _, err := env.members.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	sender := env.dial(t, "token="+signToken(t, mentor.ID)+"&room_id="+room.ID)
	receiver := env.dial(t, "token="+signToken(t, talent.ID)+"&room_id="+room.ID)
	time.Sleep(50 * time.Millisecond) // let the receiver finish joining

	content := "Zx1="
	send := map[string]any{
		"type":              "send_message",
		"room_id":           room.ID,
		"encrypted_content": content,
		"content_hash":      integrity.ContentHash([]byte(content)),
		"message_type":      "text",
	}
	if err := sender.WriteJSON(send); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readUntil(t, receiver, "new_message")
	msg := got["message"].(map[string]any)
	if msg["encrypted_content"] != content {
		t.Errorf("receiver got content %v, want %q", msg["encrypted_content"], content)
	}
	if msg["order_key"].(float64) == 0 {
		t.Error("order_key missing")
	}

	// Sender also gets exactly one copy (the ack path).
	ack := readUntil(t, sender, "new_message")
	if ack["message"].(map[string]any)["message_id"] != msg["message_id"] {
		t.Error("sender ack does not match broadcast message")
	}
}

func TestServe_MalformedEventKeepsConnectionOpen(t *testing.T) {
	env := newEnv(t)
	mentor := newUser(t, env.gdb, "mentor")

	conn := env.dial(t, "token="+signToken(t, mentor.ID))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"send_message"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := readUntil(t, conn, "error")
	if ev["code"] != "invalid_payload" {
		t.Errorf("error code = %v, want invalid_payload", ev["code"])
	}

	// Connection must survive: a heartbeat still round-trips.
	if err := conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
}

func TestServe_IntegrityFailureDistinctCode(t *testing.T) {
	env := newEnv(t)
	mentor := newUser(t, env.gdb, "mentor")
	talent := newUser(t, env.gdb, "talent")
	room, _, err := env.members.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	conn := env.dial(t, "token="+signToken(t, mentor.ID)+"&room_id="+room.ID)
	send := map[string]any{
		"type":              "send_message",
		"room_id":           room.ID,
		"encrypted_content": "Zx1=",
		"content_hash":      integrity.ContentHash([]byte("tampered")),
	}
	if err := conn.WriteJSON(send); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := readUntil(t, conn, "error")
	if ev["code"] != "integrity_check_failed" {
		t.Errorf("error code = %v, want integrity_check_failed", ev["code"])
	}
}

func TestServe_TypingIndicatorFlow(t *testing.T) {
	env := newEnv(t)
	mentor := newUser(t, env.gdb, "mentor")
	talent := newUser(t, env.gdb, "talent")
	room, _, err := env.members.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	typist := env.dial(t, "token="+signToken(t, mentor.ID)+"&room_id="+room.ID)
	watcher := env.dial(t, "token="+signToken(t, talent.ID)+"&room_id="+room.ID)
	time.Sleep(50 * time.Millisecond)

	if err := typist.WriteJSON(map[string]string{"type": "typing_start", "room_id": room.ID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntil(t, watcher, "typing_indicator")
	if ev["is_typing"] != true || uint(ev["user_id"].(float64)) != mentor.ID {
		t.Errorf("typing event = %v", ev)
	}

	if err := typist.WriteJSON(map[string]string{"type": "typing_stop", "room_id": room.ID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev = readUntil(t, watcher, "typing_indicator")
	if ev["is_typing"] != false {
		t.Errorf("typing stop event = %v", ev)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"room not found", membership.ErrRoomNotFound, "not_found"},
		{"message not found", pipeline.ErrMessageNotFound, "not_found"},
		{"message deleted", pipeline.ErrMessageDeleted, "not_found"},
		{"not member", membership.ErrNotMember, "forbidden"},
		{"insufficient role", membership.ErrInsufficientRole, "forbidden"},
		{"not owner", pipeline.ErrNotOwner, "forbidden"},
		{"integrity", pipeline.ErrContentValidation, "integrity_check_failed"},
		{"invalid type", pipeline.ErrInvalidMessageType, "invalid_payload"},
		{"infrastructure", errors.New("pq: connection refused"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev struct {
				Type string `json:"type"`
				Code string `json:"code"`
			}
			if err := json.Unmarshal(MapError(tt.err), &ev); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ev.Type != "error" || ev.Code != tt.code {
				t.Errorf("MapError(%v) = %+v, want code %q", tt.err, ev, tt.code)
			}
		})
	}
}
