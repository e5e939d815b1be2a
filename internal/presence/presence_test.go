package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/db"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/membership"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/models"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/registry"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

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

type wsEvent struct {
	Type     string `json:"type"`
	UserID   uint   `json:"user_id"`
	RoomID   string `json:"room_id"`
	Status   string `json:"status"`
	IsTyping bool   `json:"is_typing"`
}

func drainOne(t *testing.T, s *registry.Session) wsEvent {
	t.Helper()
	select {
	case b := <-s.Outbound():
		var ev wsEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no event received")
		return wsEvent{}
	}
}

func setup(t *testing.T) (*gorm.DB, *registry.Registry, *membership.Authority, *Tracker) {
	gdb := testDB(t)
	reg := registry.NewRegistry()
	auth := membership.NewAuthority(gdb)
	tr := NewTracker(gdb, reg, auth, 10*time.Second)
	reg.OnIdentityOffline(tr.HandleOffline)
	return gdb, reg, auth, tr
}

func TestHandleOnline_PersistsAndBroadcasts(t *testing.T) {
	gdb, reg, auth, tr := setup(t)
	mentor := newUser(t, gdb, "mentor")
	talent := newUser(t, gdb, "talent")
	room, _, err := auth.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	// Talent is already connected and joined, watching the room.
	watcher := reg.NewSession(talent.ID, talent.Username)
	reg.Register(watcher)
	reg.JoinRoom(watcher, room.ID)

	s := reg.NewSession(mentor.ID, mentor.Username)
	first, _ := reg.Register(s)
	tr.HandleOnline(s, first)

	var row models.Presence
	if err := gdb.First(&row, "user_id = ?", mentor.ID).Error; err != nil {
		t.Fatalf("presence row: %v", err)
	}
	if row.Status != models.PresenceOnline {
		t.Errorf("status = %q, want online", row.Status)
	}

	ev := drainOne(t, watcher)
	if ev.Type != "presence" || ev.UserID != mentor.ID || ev.Status != models.PresenceOnline {
		t.Errorf("watcher got %+v, want presence online for mentor", ev)
	}
}

func TestHandleOnline_SecondDeviceDoesNotRebroadcast(t *testing.T) {
	gdb, reg, auth, tr := setup(t)
	mentor := newUser(t, gdb, "mentor")
	talent := newUser(t, gdb, "talent")
	room, _, err := auth.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	watcher := reg.NewSession(talent.ID, talent.Username)
	reg.Register(watcher)
	reg.JoinRoom(watcher, room.ID)

	s1 := reg.NewSession(mentor.ID, mentor.Username)
	first1, _ := reg.Register(s1)
	tr.HandleOnline(s1, first1)
	drainOne(t, watcher) // first online event

	s2 := reg.NewSession(mentor.ID, mentor.Username)
	first2, _ := reg.Register(s2)
	if first2 {
		t.Fatal("second device reported first = true")
	}
	tr.HandleOnline(s2, first2)

	select {
	case b := <-watcher.Outbound():
		t.Errorf("second device triggered broadcast: %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOfflineClearsTyping(t *testing.T) {
	gdb, reg, auth, tr := setup(t)
	mentor := newUser(t, gdb, "mentor")
	talent := newUser(t, gdb, "talent")
	room, _, err := auth.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	watcher := reg.NewSession(talent.ID, talent.Username)
	reg.Register(watcher)
	reg.JoinRoom(watcher, room.ID)

	s := reg.NewSession(mentor.ID, mentor.Username)
	first, _ := reg.Register(s)
	reg.JoinRoom(s, room.ID)
	tr.HandleOnline(s, first)
	drainOne(t, watcher) // presence online

	tr.StartTyping(s, room.ID)
	ev := drainOne(t, watcher)
	if ev.Type != "typing_indicator" || !ev.IsTyping {
		t.Fatalf("watcher got %+v, want typing_indicator true", ev)
	}

	// Last session disconnects: typing must be cleared and offline broadcast.
	reg.Unregister(s)

	ev = drainOne(t, watcher)
	if ev.Type != "typing_indicator" || ev.IsTyping {
		t.Errorf("first post-disconnect event = %+v, want typing_indicator false", ev)
	}
	ev = drainOne(t, watcher)
	if ev.Type != "presence" || ev.Status != models.PresenceOffline {
		t.Errorf("second post-disconnect event = %+v, want presence offline", ev)
	}

	var row models.Presence
	if err := gdb.First(&row, "user_id = ?", mentor.ID).Error; err != nil {
		t.Fatalf("presence row: %v", err)
	}
	if row.Status != models.PresenceOffline || row.TypingInRoomID != nil {
		t.Errorf("row = %+v, want offline with cleared typing pointer", row)
	}
}

func TestTypingIndicator_ExcludesOriginatingSession(t *testing.T) {
	gdb, reg, auth, tr := setup(t)
	mentor := newUser(t, gdb, "mentor")
	talent := newUser(t, gdb, "talent")
	room, _, err := auth.EnsurePrivateRoom(mentor.ID, talent.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom() error = %v", err)
	}

	s := reg.NewSession(mentor.ID, mentor.Username)
	reg.Register(s)
	reg.JoinRoom(s, room.ID)

	tr.StartTyping(s, room.ID)

	select {
	case b := <-s.Outbound():
		t.Errorf("originating session received its own typing event: %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshot_StaleTypingIgnored(t *testing.T) {
	gdb, _, _, tr := setup(t)
	mentor := newUser(t, gdb, "mentor")

	roomID := uuid.NewString()
	stale := time.Now().Add(-time.Minute)
	row := models.Presence{
		UserID:          mentor.ID,
		Status:          models.PresenceOnline,
		LastSeenAt:      stale,
		TypingInRoomID:  &roomID,
		TypingStartedAt: &stale,
	}
	if err := gdb.Create(&row).Error; err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	entries, err := tr.Snapshot([]uint{mentor.ID})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Snapshot() = %d entries, want 1", len(entries))
	}
	if entries[0].TypingIn != nil {
		t.Error("stale typing pointer surfaced in snapshot")
	}
}

func TestHeartbeat_RefreshesLastSeen(t *testing.T) {
	gdb, reg, _, tr := setup(t)
	mentor := newUser(t, gdb, "mentor")

	s := reg.NewSession(mentor.ID, mentor.Username)
	first, _ := reg.Register(s)
	tr.HandleOnline(s, first)

	var before models.Presence
	if err := gdb.First(&before, "user_id = ?", mentor.ID).Error; err != nil {
		t.Fatalf("presence row: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	tr.Heartbeat(s)

	var after models.Presence
	if err := gdb.First(&after, "user_id = ?", mentor.ID).Error; err != nil {
		t.Fatalf("presence row: %v", err)
	}
	if !after.LastSeenAt.After(before.LastSeenAt) {
		t.Error("Heartbeat() did not advance last_seen_at")
	}
	if after.Status != models.PresenceOnline {
		t.Errorf("status = %q, want online", after.Status)
	}
}
