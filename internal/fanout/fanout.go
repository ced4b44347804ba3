// Package fanout maintains the room-subscription table and delivers events
// to subscribed connections.
//
// Subscriptions are a typed edge set (roomID -> connection set) rather than
// string-prefixed channel names, so room or connection IDs containing
// delimiter characters cannot corrupt routing.
package fanout

import (
	"hash/fnv"
	"sync"

	"github.com/parley-im/parley/pkg/models"
)

const shardCount = 32

// Sender is one live connection's delivery handle. Send must not block
// indefinitely; transport-level failures are the sender's problem, not the
// engine's.
type Sender interface {
	Send(event *models.Event)
}

// Engine maps rooms to subscribed connections and broadcasts events.
// Delivery is best-effort at-most-once per connection: sending to a
// connection that has concurrently disconnected is a silent no-op.
type Engine struct {
	rooms   [shardCount]roomShard
	senders sync.Map // connID -> Sender
}

type roomShard struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// NewEngine creates an empty fan-out engine.
func NewEngine() *Engine {
	e := &Engine{}
	for i := range e.rooms {
		e.rooms[i].subs = map[string]map[string]struct{}{}
	}
	return e
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Attach registers a connection's delivery handle. Called once at transport
// connect, before any join.
func (e *Engine) Attach(connID string, sender Sender) {
	e.senders.Store(connID, sender)
}

// Detach removes the delivery handle and every subscription held by the
// connection. Idempotent.
func (e *Engine) Detach(connID string) {
	e.senders.Delete(connID)
	for i := range e.rooms {
		shard := &e.rooms[i]
		shard.mu.Lock()
		for roomID, subs := range shard.subs {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(shard.subs, roomID)
			}
		}
		shard.mu.Unlock()
	}
}

// Join subscribes a connection to a room. Idempotent.
func (e *Engine) Join(roomID, connID string) {
	shard := &e.rooms[shardIndex(roomID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	subs, ok := shard.subs[roomID]
	if !ok {
		subs = map[string]struct{}{}
		shard.subs[roomID] = subs
	}
	subs[connID] = struct{}{}
}

// Leave unsubscribes a connection from a room. Idempotent.
func (e *Engine) Leave(roomID, connID string) {
	shard := &e.rooms[shardIndex(roomID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if subs, ok := shard.subs[roomID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(shard.subs, roomID)
		}
	}
}

// Subscribed reports whether connID currently holds a subscription edge to
// the room.
func (e *Engine) Subscribed(roomID, connID string) bool {
	shard := &e.rooms[shardIndex(roomID)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	_, ok := shard.subs[roomID][connID]
	return ok
}

// Broadcast delivers event to every subscribed connection of the room that
// is not in excluded. The subscriber snapshot is taken under the room lock;
// delivery happens outside it.
func (e *Engine) Broadcast(roomID string, event *models.Event, excluded map[string]struct{}) int {
	shard := &e.rooms[shardIndex(roomID)]
	shard.mu.RLock()
	targets := make([]string, 0, len(shard.subs[roomID]))
	for connID := range shard.subs[roomID] {
		if _, skip := excluded[connID]; skip {
			continue
		}
		targets = append(targets, connID)
	}
	shard.mu.RUnlock()

	delivered := 0
	for _, connID := range targets {
		if e.EmitTo(connID, event) {
			delivered++
		}
	}
	return delivered
}

// EmitTo delivers event to a single connection. Reports false if the
// connection is already gone.
func (e *Engine) EmitTo(connID string, event *models.Event) bool {
	value, ok := e.senders.Load(connID)
	if !ok {
		return false
	}
	value.(Sender).Send(event)
	return true
}
