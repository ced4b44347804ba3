package typing

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/keyval"
)

func newTestTracker() (*Tracker, *keyval.MemoryStore, *time.Time) {
	store := keyval.NewMemoryStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	return NewTracker(store, 5*time.Second), store, &now
}

func TestSetTypingAndTypingUsers(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTestTracker()

	if err := tracker.SetTyping(ctx, "room1", "u1", "c1", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	if err := tracker.SetTyping(ctx, "room1", "u2", "c2", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	users, err := tracker.TypingUsers(ctx, "room1")
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	sort.Strings(users)
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("users = %v, want [u1 u2]", users)
	}

	if err := tracker.SetTyping(ctx, "room1", "u1", "c1", false); err != nil {
		t.Fatalf("stop typing: %v", err)
	}
	users, _ = tracker.TypingUsers(ctx, "room1")
	if len(users) != 1 || users[0] != "u2" {
		t.Errorf("users after stop = %v, want [u2]", users)
	}
}

func TestTypingUsersCollapsesConnections(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTestTracker()

	// Same user typing from two devices reports as typing once.
	_ = tracker.SetTyping(ctx, "room1", "u1", "c1", true)
	_ = tracker.SetTyping(ctx, "room1", "u1", "c2", true)

	users, err := tracker.TypingUsers(ctx, "room1")
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Errorf("users = %v, want [u1]", users)
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	tracker, _, now := newTestTracker()

	_ = tracker.SetTyping(ctx, "room1", "u1", "c1", true)

	*now = now.Add(6 * time.Second)

	users, err := tracker.TypingUsers(ctx, "room1")
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("users after expiry = %v, want none", users)
	}
}

func TestRefreshExtendsButNeverResurrects(t *testing.T) {
	ctx := context.Background()
	tracker, _, now := newTestTracker()

	_ = tracker.SetTyping(ctx, "room1", "u1", "c1", true)

	*now = now.Add(4 * time.Second)
	refreshed, err := tracker.Refresh(ctx, "room1", "u1", "c1")
	if err != nil || !refreshed {
		t.Fatalf("refresh = %v, %v", refreshed, err)
	}

	// Inside the refreshed window, past the original deadline.
	*now = now.Add(3 * time.Second)
	if ok, _ := tracker.UserTypingIn(ctx, "room1", "u1"); !ok {
		t.Error("lease expired despite refresh")
	}

	// Let it lapse, then try to refresh the dead lease.
	*now = now.Add(6 * time.Second)
	refreshed, err = tracker.Refresh(ctx, "room1", "u1", "c1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed {
		t.Error("refresh resurrected an expired lease")
	}
	if ok, _ := tracker.UserTypingIn(ctx, "room1", "u1"); ok {
		t.Error("user reported typing after lapse")
	}
}

func TestTypingRoomsOf(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTestTracker()

	_ = tracker.SetTyping(ctx, "room1", "u1", "c1", true)
	_ = tracker.SetTyping(ctx, "room2", "u1", "c1", true)
	_ = tracker.SetTyping(ctx, "room3", "u2", "c2", true)

	rooms, err := tracker.TypingRoomsOf(ctx, "u1")
	if err != nil {
		t.Fatalf("typing rooms: %v", err)
	}
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "room1" || rooms[1] != "room2" {
		t.Errorf("rooms = %v, want [room1 room2]", rooms)
	}
}

func TestClearConnection(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTestTracker()

	_ = tracker.SetTyping(ctx, "room1", "u1", "c1", true)
	_ = tracker.SetTyping(ctx, "room2", "u1", "c1", true)
	_ = tracker.SetTyping(ctx, "room1", "u1", "c2", true)

	rooms, err := tracker.ClearConnection(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	sort.Strings(rooms)
	if len(rooms) != 2 {
		t.Fatalf("cleared rooms = %v, want 2", rooms)
	}

	// The other connection's lease survives.
	if ok, _ := tracker.UserTypingIn(ctx, "room1", "u1"); !ok {
		t.Error("other connection's lease was cleared")
	}
	if ok, _ := tracker.UserTypingIn(ctx, "room2", "u1"); ok {
		t.Error("room2 lease survived clear")
	}

	// Clearing again is a no-op.
	rooms, err = tracker.ClearConnection(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("second clear reported rooms %v", rooms)
	}
}

func TestDelimiterHeavyIDs(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTestTracker()

	room := "room:with:colons"
	user := "user:1"
	conn := "conn:*:?"
	if err := tracker.SetTyping(ctx, room, user, conn, true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	users, err := tracker.TypingUsers(ctx, room)
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	if len(users) != 1 || users[0] != user {
		t.Errorf("users = %v, want [%s]", users, user)
	}

	rooms, err := tracker.TypingRoomsOf(ctx, user)
	if err != nil {
		t.Fatalf("typing rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != room {
		t.Errorf("rooms = %v, want [%s]", rooms, room)
	}

	// A different room sharing a delimiter-confusable name must not match.
	other, err := tracker.TypingUsers(ctx, "room")
	if err != nil {
		t.Fatalf("typing users: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("confusable room matched: %v", other)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	key := presenceKey("room:1", "user 2", "conn+3")
	room, user, conn, ok := parseKey(key)
	if !ok {
		t.Fatalf("parse failed for %q", key)
	}
	if room != "room:1" || user != "user 2" || conn != "conn+3" {
		t.Errorf("round trip = %q %q %q", room, user, conn)
	}
}
