package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parley-im/parley/pkg/models"
)

// SeedDemo loads two users sharing a private room, for running without a
// database. Existing rows are left alone so the seed is safe to repeat.
func SeedDemo(ctx context.Context, stores StoreSet) error {
	now := time.Now().UTC()

	users := []*models.User{
		{ID: "user1", Name: "Client1", Phone: "1111111111", CreatedAt: now},
		{ID: "user2", Name: "Client2", Phone: "2222222222", CreatedAt: now},
	}
	for _, u := range users {
		if err := stores.Users.Create(ctx, u); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}

	room := &models.Room{
		ID:        "room1",
		Title:     "Private Chat",
		IsGroup:   false,
		CreatedBy: "user1",
		CreatedAt: now,
	}
	if err := stores.Rooms.Create(ctx, room); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("seed room: %w", err)
	}

	participants := []*models.Participant{
		{RoomID: room.ID, UserID: "user1", Role: models.RoleAdmin, JoinedAt: now},
		{RoomID: room.ID, UserID: "user2", Role: models.RoleMember, JoinedAt: now},
	}
	for _, p := range participants {
		if err := stores.Rooms.AddParticipant(ctx, p); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("seed participant %s: %w", p.UserID, err)
		}
	}
	return nil
}
