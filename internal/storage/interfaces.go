package storage

import (
	"context"
	"errors"

	"github.com/parley-im/parley/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// UserStore reads user identities. The coordinator never creates users.
type UserStore interface {
	Get(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
}

// DeviceStore maintains the single-active-device invariant: at most one
// Device row per user. Upsert followed by DeleteOthers is the login path.
type DeviceStore interface {
	Find(ctx context.Context, userID string) (*models.Device, error)
	Upsert(ctx context.Context, device *models.Device) error
	DeleteOthers(ctx context.Context, userID, exceptDeviceID string) error
}

// RoomStore persists rooms and their membership.
type RoomStore interface {
	Create(ctx context.Context, room *models.Room) error
	Get(ctx context.Context, id string) (*models.Room, error)
	AddParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error)
}

// MessageStore persists immutable messages in room-local append order.
type MessageStore interface {
	Create(ctx context.Context, msg *models.Message) error
	// List returns one page of messages, newest first.
	List(ctx context.Context, roomID string, page, limit int) ([]*models.Message, int, error)
	// History returns the full room history in ascending creation order.
	History(ctx context.Context, roomID string) ([]*models.Message, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Users    UserStore
	Devices  DeviceStore
	Rooms    RoomStore
	Messages MessageStore
	closer   func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
