// Package registry tracks which live connections belong to which logical
// user. It is the in-process source of truth for self-exclusion sets.
package registry

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// Registry maps userID to the set of live connection IDs, with a reverse
// connID index for O(1) disconnect cleanup. Locking is striped per user so
// unrelated users never contend.
type Registry struct {
	users [shardCount]userShard
	conns [shardCount]connShard
}

type userShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

type connShard struct {
	mu    sync.RWMutex
	owner map[string]string
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.users {
		r.users[i].conns = map[string]map[string]struct{}{}
	}
	for i := range r.conns {
		r.conns[i].owner = map[string]string{}
	}
	return r
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Register adds connID to the user's connection set. A connection belongs
// to at most one user: re-registering under the same user is a no-op, and
// re-registering under a different user moves the connection to that user.
func (r *Registry) Register(userID, connID string) {
	cs := &r.conns[shardIndex(connID)]
	cs.mu.Lock()
	prev, had := cs.owner[connID]
	cs.owner[connID] = userID
	cs.mu.Unlock()

	if had && prev != userID {
		ps := &r.users[shardIndex(prev)]
		ps.mu.Lock()
		if set, exists := ps.conns[prev]; exists {
			delete(set, connID)
			if len(set) == 0 {
				delete(ps.conns, prev)
			}
		}
		ps.mu.Unlock()
	}

	us := &r.users[shardIndex(userID)]
	us.mu.Lock()
	set, ok := us.conns[userID]
	if !ok {
		set = map[string]struct{}{}
		us.conns[userID] = set
	}
	set[connID] = struct{}{}
	us.mu.Unlock()
}

// Unregister removes connID from whichever user owns it and returns that
// userID. Disconnect is terminal: a second call for the same connID finds
// nothing and reports ok=false.
func (r *Registry) Unregister(connID string) (userID string, ok bool) {
	cs := &r.conns[shardIndex(connID)]
	cs.mu.Lock()
	userID, ok = cs.owner[connID]
	if ok {
		delete(cs.owner, connID)
	}
	cs.mu.Unlock()
	if !ok {
		return "", false
	}

	us := &r.users[shardIndex(userID)]
	us.mu.Lock()
	if set, exists := us.conns[userID]; exists {
		delete(set, connID)
		if len(set) == 0 {
			delete(us.conns, userID)
		}
	}
	us.mu.Unlock()
	return userID, true
}

// ConnectionsOf returns a copy of the user's live connection set. Used to
// compute self-exclusion sets for broadcasts.
func (r *Registry) ConnectionsOf(userID string) map[string]struct{} {
	us := &r.users[shardIndex(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.conns[userID]
	out := make(map[string]struct{}, len(set))
	for connID := range set {
		out[connID] = struct{}{}
	}
	return out
}

// UserOf returns the user owning connID, if any.
func (r *Registry) UserOf(connID string) (string, bool) {
	cs := &r.conns[shardIndex(connID)]
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	userID, ok := cs.owner[connID]
	return userID, ok
}
