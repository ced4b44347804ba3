package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/storage"
	"github.com/parley-im/parley/pkg/models"
)

func seedUser(t *testing.T, stores storage.StoreSet, id string) {
	t.Helper()
	if err := stores.Users.Create(context.Background(), &models.User{ID: id, Name: id}); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func TestAuthorize_SingleActiveDevice(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	seedUser(t, stores, "u1")

	svc := NewService(NewJWTService("secret", time.Hour), stores.Users, stores.Devices)

	// Login on device A.
	if _, err := svc.Login(ctx, "u1", "dev-a"); err != nil {
		t.Fatalf("login A: %v", err)
	}
	if err := svc.Authority().Authorize(ctx, "u1", "dev-a"); err != nil {
		t.Fatalf("authorize A after login A: %v", err)
	}

	// Login on device B supersedes A.
	if _, err := svc.Login(ctx, "u1", "dev-b"); err != nil {
		t.Fatalf("login B: %v", err)
	}
	if err := svc.Authority().Authorize(ctx, "u1", "dev-a"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("authorize A after login B = %v, want ErrUnauthorized", err)
	}
	if err := svc.Authority().Authorize(ctx, "u1", "dev-b"); err != nil {
		t.Errorf("authorize B after login B: %v", err)
	}
}

func TestAuthorize_UnknownUserIsNotFound(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()

	authority := NewDeviceAuthority(stores.Users, stores.Devices)
	err := authority.Authorize(ctx, "ghost", "dev-a")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("unknown user must not be conflated with a replaced session")
	}
}

func TestAuthorize_NoDeviceIsUnauthorized(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	seedUser(t, stores, "u1")

	authority := NewDeviceAuthority(stores.Users, stores.Devices)
	if err := authority.Authorize(ctx, "u1", "dev-a"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestLogin_TokenCarriesIdentity(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	seedUser(t, stores, "u1")

	svc := NewService(NewJWTService("secret", time.Hour), stores.Users, stores.Devices)
	token, err := svc.Login(ctx, "u1", "dev-a")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	id, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.DeviceID != "dev-a" {
		t.Errorf("identity = %+v", id)
	}
}

func TestLogin_UnknownUser(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()

	svc := NewService(NewJWTService("secret", time.Hour), stores.Users, stores.Devices)
	if _, err := svc.Login(ctx, "ghost", "dev-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
