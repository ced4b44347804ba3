// Package typing tracks per-(room, user, connection) typing presence as
// leases in the ephemeral keyed store.
//
// Presence is modeled as leases rather than flags: a client crash or silent
// network loss self-heals within one TTL window without an explicit stop
// signal. The store's own expiry drives auto-stop; this process never
// schedules a "stop typing" timer.
package typing

import (
	"context"
	"errors"
	"time"

	"github.com/parley-im/parley/internal/infra"
	"github.com/parley-im/parley/internal/keyval"
)

// DefaultTTL is the typing lease window.
const DefaultTTL = 5 * time.Second

// Tracker records and expires typing presence.
type Tracker struct {
	store keyval.Store
	ttl   time.Duration
	retry *infra.RetryConfig
}

// NewTracker creates a tracker over the given store. A non-positive ttl
// falls back to DefaultTTL.
func NewTracker(store keyval.Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cfg := infra.PresenceRetry()
	cfg.RetryIf = func(err error) bool { return errors.Is(err, keyval.ErrUnavailable) }
	return &Tracker{store: store, ttl: ttl, retry: cfg}
}

// TTL returns the lease window.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// SetTyping is the only mutation path: typing=true writes (or re-arms) the
// lease, typing=false deletes the key outright.
func (t *Tracker) SetTyping(ctx context.Context, roomID, userID, connID string, typing bool) error {
	key := presenceKey(roomID, userID, connID)
	return infra.Retry(ctx, t.retry, func(ctx context.Context) error {
		if typing {
			return t.store.SetWithTTL(ctx, key, "1", t.ttl)
		}
		return t.store.Delete(ctx, key)
	})
}

// Refresh extends an existing lease without changing its value. It is a
// no-op for an absent or expired key: the client must restart from
// SetTyping(true); the tracker never resurrects expired entries.
func (t *Tracker) Refresh(ctx context.Context, roomID, userID, connID string) (bool, error) {
	key := presenceKey(roomID, userID, connID)
	var refreshed bool
	err := infra.Retry(ctx, t.retry, func(ctx context.Context) error {
		ok, err := t.store.RefreshTTL(ctx, key, t.ttl)
		refreshed = ok
		return err
	})
	return refreshed, err
}

// TypingUsers returns the set of users with at least one live lease in the
// room. Multiple connections per user collapse to one membership.
func (t *Tracker) TypingUsers(ctx context.Context, roomID string) ([]string, error) {
	keys, err := t.scan(ctx, roomPattern(roomID))
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var users []string
	for _, key := range keys {
		live, err := t.store.Exists(ctx, key)
		if err != nil || !live {
			continue
		}
		if _, userID, _, ok := parseKey(key); ok {
			if _, dup := seen[userID]; !dup {
				seen[userID] = struct{}{}
				users = append(users, userID)
			}
		}
	}
	return users, nil
}

// TypingRoomsOf returns every room where the user holds a live lease. Used
// at disconnect time to know which rooms need a final stopped-typing
// notification.
func (t *Tracker) TypingRoomsOf(ctx context.Context, userID string) ([]string, error) {
	keys, err := t.scan(ctx, userPattern(userID))
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var rooms []string
	for _, key := range keys {
		live, err := t.store.Exists(ctx, key)
		if err != nil || !live {
			continue
		}
		if roomID, _, _, ok := parseKey(key); ok {
			if _, dup := seen[roomID]; !dup {
				seen[roomID] = struct{}{}
				rooms = append(rooms, roomID)
			}
		}
	}
	return rooms, nil
}

// ClearConnection deletes every lease held by one connection across all
// rooms and returns the rooms that were cleared. Called on disconnect and
// explicit leave; clearing already-cleared state is a no-op.
func (t *Tracker) ClearConnection(ctx context.Context, userID, connID string) ([]string, error) {
	keys, err := t.scan(ctx, connPattern(userID, connID))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	seen := map[string]struct{}{}
	var rooms []string
	for _, key := range keys {
		if roomID, _, _, ok := parseKey(key); ok {
			if _, dup := seen[roomID]; !dup {
				seen[roomID] = struct{}{}
				rooms = append(rooms, roomID)
			}
		}
	}

	err = infra.Retry(ctx, t.retry, func(ctx context.Context) error {
		return t.store.Delete(ctx, keys...)
	})
	return rooms, err
}

// ClearRoom deletes one connection's lease in a single room. Used on
// explicit leave.
func (t *Tracker) ClearRoom(ctx context.Context, roomID, userID, connID string) error {
	return t.SetTyping(ctx, roomID, userID, connID, false)
}

// UserTypingIn reports whether the user still holds any live lease in the
// room, across all connections.
func (t *Tracker) UserTypingIn(ctx context.Context, roomID, userID string) (bool, error) {
	users, err := t.TypingUsers(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tracker) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := infra.Retry(ctx, t.retry, func(ctx context.Context) error {
		found, err := t.store.Scan(ctx, pattern)
		keys = found
		return err
	})
	return keys, err
}
