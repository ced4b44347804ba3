package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parley-im/parley/pkg/models"
)

func TestMemoryDeviceStore_SingleActiveDevice(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	if err := stores.Devices.Upsert(ctx, &models.Device{UserID: "u1", DeviceID: "dev-a", Token: "t1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Second login replaces the row for the same user.
	if err := stores.Devices.Upsert(ctx, &models.Device{UserID: "u1", DeviceID: "dev-b", Token: "t2"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := stores.Devices.DeleteOthers(ctx, "u1", "dev-b"); err != nil {
		t.Fatalf("delete others: %v", err)
	}

	device, err := stores.Devices.Find(ctx, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if device.DeviceID != "dev-b" {
		t.Errorf("active device = %q, want dev-b", device.DeviceID)
	}
}

func TestMemoryDeviceStore_DeleteOthersKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	if err := stores.Devices.Upsert(ctx, &models.Device{UserID: "u1", DeviceID: "dev-a"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := stores.Devices.DeleteOthers(ctx, "u1", "dev-a"); err != nil {
		t.Fatalf("delete others: %v", err)
	}
	if _, err := stores.Devices.Find(ctx, "u1"); err != nil {
		t.Fatalf("current device should survive DeleteOthers: %v", err)
	}
}

func TestMemoryRoomStore_ParticipantLifecycle(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	room := &models.Room{ID: "room1", Title: "Private Chat", CreatedBy: "u1"}
	if err := stores.Rooms.Create(ctx, room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := stores.Rooms.Create(ctx, &models.Room{ID: "room1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate room create = %v, want ErrAlreadyExists", err)
	}

	p := &models.Participant{RoomID: "room1", UserID: "u1", Role: models.RoleAdmin}
	if err := stores.Rooms.AddParticipant(ctx, p); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if err := stores.Rooms.AddParticipant(ctx, p); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate participant = %v, want ErrAlreadyExists", err)
	}
	if err := stores.Rooms.AddParticipant(ctx, &models.Participant{RoomID: "nope", UserID: "u1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("participant in unknown room = %v, want ErrNotFound", err)
	}

	got, err := stores.Rooms.GetParticipant(ctx, "room1", "u1")
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if got.Role != models.RoleAdmin {
		t.Errorf("role = %q, want admin", got.Role)
	}
	if _, err := stores.Rooms.GetParticipant(ctx, "room1", "stranger"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing participant = %v, want ErrNotFound", err)
	}
}

func TestMemoryMessageStore_HistoryOrder(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := &models.Message{
			RoomID:      "room1",
			SenderID:    "u1",
			Content:     fmt.Sprintf("msg-%d", i),
			ContentType: models.ContentTypeText,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := stores.Messages.Create(ctx, msg); err != nil {
			t.Fatalf("create: %v", err)
		}
		if msg.ID == "" {
			t.Fatal("expected generated message id")
		}
	}

	history, err := stores.Messages.History(ctx, "room1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	for i, msg := range history {
		if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
			t.Errorf("history[%d] = %q, want %q", i, msg.Content, want)
		}
	}
}

func TestMemoryMessageStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		if err := stores.Messages.Create(ctx, &models.Message{
			RoomID:    "room1",
			SenderID:  "u1",
			Content:   fmt.Sprintf("msg-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	page1, total, err := stores.Messages.List(ctx, "room1", 1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 7 {
		t.Errorf("total = %d, want 7", total)
	}
	if len(page1) != 3 || page1[0].Content != "msg-6" {
		t.Errorf("page1 newest = %q, want msg-6", page1[0].Content)
	}

	page3, _, err := stores.Messages.List(ctx, "room1", 3, 3)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].Content != "msg-0" {
		t.Errorf("page3 = %+v, want single msg-0", page3)
	}

	empty, _, err := stores.Messages.List(ctx, "room1", 9, 3)
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("past-end page should be empty, got %d", len(empty))
	}
}

func TestMemoryUserStore(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()

	user := &models.User{Name: "Client1", Phone: "1111111111"}
	if err := stores.Users.Create(ctx, user); err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected generated user id")
	}
	got, err := stores.Users.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Client1" {
		t.Errorf("name = %q", got.Name)
	}
	if _, err := stores.Users.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user = %v, want ErrNotFound", err)
	}
}
