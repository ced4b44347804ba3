// Package keyval defines the ephemeral keyed store used for typing
// presence. Values are leases: a key past its TTL is logically absent
// regardless of when the backend physically deletes it.
package keyval

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transient backend failures. Presence is best-effort,
// so callers retry once and otherwise swallow this error.
var ErrUnavailable = errors.New("ephemeral store unavailable")

// Store is a key-value store with expiry support.
type Store interface {
	// SetWithTTL writes a key that expires after ttl, refreshing the TTL
	// if the key already exists.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Exists reports whether the key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// RefreshTTL extends an existing key's TTL. It does not resurrect an
	// absent or expired key; it reports whether the key was refreshed.
	RefreshTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, keys ...string) error

	// Scan returns all unexpired keys matching a glob pattern
	// (e.g. "typing:room1:*").
	Scan(ctx context.Context, pattern string) ([]string, error)
}
