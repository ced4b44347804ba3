package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/parley-im/parley/pkg/models"
)

func newMockStores(t *testing.T) (StoreSet, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoresFromDB(db), mock
}

func TestPgDeviceStore_Find(t *testing.T) {
	stores, mock := newMockStores(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT user_id, device_id, token, created_at FROM devices`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "device_id", "token", "created_at"}).
			AddRow("u1", "dev-a", "tok", now))

	device, err := stores.Devices.Find(context.Background(), "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if device.DeviceID != "dev-a" {
		t.Errorf("device = %q, want dev-a", device.DeviceID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPgDeviceStore_FindNotFound(t *testing.T) {
	stores, mock := newMockStores(t)

	mock.ExpectQuery(`SELECT user_id, device_id, token, created_at FROM devices`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "device_id", "token", "created_at"}))

	if _, err := stores.Devices.Find(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPgDeviceStore_DeleteOthers(t *testing.T) {
	stores, mock := newMockStores(t)

	mock.ExpectExec(`DELETE FROM devices WHERE user_id = \$1 AND device_id <> \$2`).
		WithArgs("u1", "dev-b").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := stores.Devices.DeleteOthers(context.Background(), "u1", "dev-b"); err != nil {
		t.Fatalf("delete others: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPgRoomStore_CreateDuplicate(t *testing.T) {
	stores, mock := newMockStores(t)

	mock.ExpectExec(`INSERT INTO rooms`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := stores.Rooms.Create(context.Background(), &models.Room{ID: "room1", CreatedBy: "u1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestPgMessageStore_HistoryAscending(t *testing.T) {
	stores, mock := newMockStores(t)
	base := time.Now().Add(-time.Minute)

	rows := sqlmock.NewRows([]string{"id", "room_id", "sender_id", "content", "media_url", "media_type", "content_type", "created_at"}).
		AddRow("m1", "room1", "u1", "first", "", "", "text", base).
		AddRow("m2", "room1", "u2", "second", "", "", "text", base.Add(time.Second))

	mock.ExpectQuery(`ORDER BY seq ASC`).
		WithArgs("room1").
		WillReturnRows(rows)

	history, err := stores.Messages.History(context.Background(), "room1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "first" || history[1].Content != "second" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestPgMessageStore_List(t *testing.T) {
	stores, mock := newMockStores(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM messages`).
		WithArgs("room1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(`ORDER BY seq DESC`).
		WithArgs("room1", 5, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "sender_id", "content", "media_url", "media_type", "content_type", "created_at"}).
			AddRow("m7", "room1", "u1", "seventh", "", "", "text", time.Now()))

	msgs, total, err := stores.Messages.List(context.Background(), "room1", 2, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 12 {
		t.Errorf("total = %d, want 12", total)
	}
	if len(msgs) != 1 || msgs[0].ID != "m7" {
		t.Errorf("unexpected page: %+v", msgs)
	}
}
