package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parley-im/parley/internal/storage"
	"github.com/parley-im/parley/pkg/models"
)

// DeviceAuthority validates that a connection's claimed (user, device) pair
// is the user's currently authorized device.
//
// Logging in elsewhere replaces the user's device row, so every live
// connection still bound to the old device fails its next action with
// ErrUnauthorized. No active socket revocation is needed.
type DeviceAuthority struct {
	users   storage.UserStore
	devices storage.DeviceStore
}

// NewDeviceAuthority builds an authority over the durable store.
func NewDeviceAuthority(users storage.UserStore, devices storage.DeviceStore) *DeviceAuthority {
	return &DeviceAuthority{users: users, devices: devices}
}

// Authorize succeeds only if deviceID exactly matches the user's current
// device row. An unknown user yields storage.ErrNotFound; a mismatched or
// absent device yields ErrUnauthorized. Read-only.
func (a *DeviceAuthority) Authorize(ctx context.Context, userID, deviceID string) error {
	if _, err := a.users.Get(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
		}
		return fmt.Errorf("look up user: %w", err)
	}

	device, err := a.devices.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("look up device: %w", err)
	}
	if device.DeviceID != deviceID {
		return ErrUnauthorized
	}
	return nil
}

// Service issues device-bound tokens and rotates device rows on login.
type Service struct {
	jwt       *JWTService
	users     storage.UserStore
	devices   storage.DeviceStore
	authority *DeviceAuthority
}

// NewService wires token issuance and device rotation over the durable store.
func NewService(jwtService *JWTService, users storage.UserStore, devices storage.DeviceStore) *Service {
	return &Service{
		jwt:       jwtService,
		users:     users,
		devices:   devices,
		authority: NewDeviceAuthority(users, devices),
	}
}

// Authority exposes the device authority for coordinator checks.
func (s *Service) Authority() *DeviceAuthority {
	return s.authority
}

// Verify parses and validates a presented token.
func (s *Service) Verify(token string) (*Identity, error) {
	return s.jwt.Verify(token)
}

// Login makes deviceID the user's single active device: it issues a token,
// upserts the device row, and deletes every other device row for the user.
// Credential verification happens upstream; this is the device-rotation
// half of login.
func (s *Service) Login(ctx context.Context, userID, deviceID string) (string, error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return "", fmt.Errorf("look up user: %w", err)
	}

	token, err := s.jwt.Generate(userID, deviceID)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	device := &models.Device{
		UserID:    userID,
		DeviceID:  deviceID,
		Token:     token,
		CreatedAt: time.Now(),
	}
	if err := s.devices.Upsert(ctx, device); err != nil {
		return "", fmt.Errorf("upsert device: %w", err)
	}
	if err := s.devices.DeleteOthers(ctx, userID, deviceID); err != nil {
		return "", fmt.Errorf("rotate devices: %w", err)
	}
	return token, nil
}
