// Package coordinator wires the session registry, device authority, typing
// tracker, and fan-out engine into the chat event handlers.
//
// Each connection moves through Anonymous -> Authenticated -> joined to zero
// or more rooms. Room joins are independent edges, not a single state.
// Disconnect is terminal; a reconnecting client is a brand-new connection.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/fanout"
	"github.com/parley-im/parley/internal/infra"
	"github.com/parley-im/parley/internal/observability"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/storage"
	"github.com/parley-im/parley/internal/typing"
	"github.com/parley-im/parley/pkg/models"
)

var (
	// ErrNotAuthenticated rejects room events from connections that never
	// completed the token handshake.
	ErrNotAuthenticated = errors.New("connection is not authenticated")

	// ErrNotParticipant rejects sends from users without a durable
	// membership record in the room.
	ErrNotParticipant = errors.New("not a participant of this room")
)

// Options configures a Coordinator.
type Options struct {
	Stores    storage.StoreSet
	Authority *auth.DeviceAuthority
	Registry  *registry.Registry
	Fanout    *fanout.Engine
	Typing    *typing.Tracker
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Coordinator orchestrates connect, join, send, typing, and disconnect
// events against the shared session state.
type Coordinator struct {
	stores    storage.StoreSet
	authority *auth.DeviceAuthority
	registry  *registry.Registry
	fanout    *fanout.Engine
	typing    *typing.Tracker
	lanes     *infra.LaneQueue
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	mu       sync.RWMutex
	sessions map[string]*auth.Identity
}

// New creates a coordinator. Registry, Fanout, and Typing must be set;
// Logger, Metrics, and Tracer fall back to no-op instances.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "parley"})
	}
	return &Coordinator{
		stores:    opts.Stores,
		authority: opts.Authority,
		registry:  opts.Registry,
		fanout:    opts.Fanout,
		typing:    opts.Typing,
		lanes:     infra.NewLaneQueue(),
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		sessions:  make(map[string]*auth.Identity),
	}
}

// Authenticate binds a verified identity to a connection. The device
// authority is consulted so a token minted before a newer login is rejected
// even though its signature still verifies.
func (c *Coordinator) Authenticate(ctx context.Context, connID string, ident *auth.Identity, sender fanout.Sender) error {
	if err := c.authority.Authorize(ctx, ident.UserID, ident.DeviceID); err != nil {
		c.metrics.EventCounter.WithLabelValues("authenticate", "rejected").Inc()
		return err
	}

	c.mu.Lock()
	c.sessions[connID] = ident
	c.mu.Unlock()

	c.registry.Register(ident.UserID, connID)
	c.fanout.Attach(connID, sender)

	c.metrics.ActiveConnections.Inc()
	c.metrics.EventCounter.WithLabelValues("authenticate", "ok").Inc()
	c.logger.Info(ctx, "connection authenticated",
		"conn_id", connID, "user_id", ident.UserID, "device_id", ident.DeviceID)
	return nil
}

// identity resolves the bound identity for a connection.
func (c *Coordinator) identity(connID string) (*auth.Identity, error) {
	c.mu.RLock()
	ident, ok := c.sessions[connID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return ident, nil
}

// CreateRoom creates a room with the acting user as admin participant.
func (c *Coordinator) CreateRoom(ctx context.Context, connID, title string, isGroup bool) (*models.Room, error) {
	ident, err := c.identity(connID)
	if err != nil {
		return nil, err
	}
	if err := c.authority.Authorize(ctx, ident.UserID, ident.DeviceID); err != nil {
		c.metrics.EventCounter.WithLabelValues("create_room", "rejected").Inc()
		return nil, err
	}

	room := &models.Room{
		ID:        uuid.NewString(),
		Title:     title,
		IsGroup:   isGroup,
		CreatedBy: ident.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.stores.Rooms.Create(ctx, room); err != nil {
		c.metrics.StoreErrors.WithLabelValues("durable", "create_room").Inc()
		return nil, fmt.Errorf("create room: %w", err)
	}
	participant := &models.Participant{
		RoomID:   room.ID,
		UserID:   ident.UserID,
		Role:     models.RoleAdmin,
		JoinedAt: room.CreatedAt,
	}
	if err := c.stores.Rooms.AddParticipant(ctx, participant); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		c.metrics.StoreErrors.WithLabelValues("durable", "add_participant").Inc()
		return nil, fmt.Errorf("add creator to room: %w", err)
	}

	c.metrics.EventCounter.WithLabelValues("create_room", "ok").Inc()
	c.logger.Info(ctx, "room created", "room_id", room.ID, "user_id", ident.UserID)
	return room, nil
}

// JoinRoom subscribes a connection to a room. The participant record is
// upserted; a duplicate join is idempotent success. The joining connection
// receives the full history, the rest of the room a system notice.
func (c *Coordinator) JoinRoom(ctx context.Context, connID, roomID string) error {
	ident, err := c.identity(connID)
	if err != nil {
		return err
	}
	ctx, span := c.tracer.TraceEvent(ctx, "join_chat", roomID, ident.UserID)
	defer span.End()

	if err := c.authority.Authorize(ctx, ident.UserID, ident.DeviceID); err != nil {
		c.metrics.EventCounter.WithLabelValues("join_chat", "rejected").Inc()
		return err
	}
	if _, err := c.stores.Rooms.Get(ctx, roomID); err != nil {
		c.metrics.EventCounter.WithLabelValues("join_chat", "rejected").Inc()
		return fmt.Errorf("room %s: %w", roomID, err)
	}

	participant := &models.Participant{
		RoomID:   roomID,
		UserID:   ident.UserID,
		Role:     models.RoleMember,
		JoinedAt: time.Now().UTC(),
	}
	err = c.stores.Rooms.AddParticipant(ctx, participant)
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		c.metrics.StoreErrors.WithLabelValues("durable", "add_participant").Inc()
		c.tracer.RecordError(span, err)
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	alreadyMember := errors.Is(err, storage.ErrAlreadyExists)

	c.fanout.Join(roomID, connID)

	history, err := c.stores.Messages.History(ctx, roomID)
	if err != nil {
		c.metrics.StoreErrors.WithLabelValues("durable", "history").Inc()
		c.tracer.RecordError(span, err)
		return fmt.Errorf("load history for %s: %w", roomID, err)
	}
	c.fanout.EmitTo(connID, models.HistoryEvent(roomID, history))

	notice := models.SystemEvent(roomID, fmt.Sprintf("%s joined the room", ident.UserID))
	c.fanout.Broadcast(roomID, notice, map[string]struct{}{connID: {}})

	c.metrics.EventCounter.WithLabelValues("join_chat", "ok").Inc()
	c.logger.Info(ctx, "joined room",
		"room_id", roomID, "user_id", ident.UserID, "conn_id", connID, "rejoin", alreadyMember)
	return nil
}

// SendInput is one send_message request.
type SendInput struct {
	RoomID    string
	Content   string
	MediaURL  string
	MediaType string
}

// SendMessage persists a message and broadcasts it to the room. The
// persist-then-broadcast unit runs on the room's serial lane so concurrent
// sends into one room deliver in persisted order; authorization, the
// membership check, and the typing cleanup run off-lane. No broadcast
// happens without a persisted message. Sending also clears the sender's
// typing lease for the room as a side effect.
func (c *Coordinator) SendMessage(ctx context.Context, connID string, input SendInput) (*models.Message, error) {
	ident, err := c.identity(connID)
	if err != nil {
		return nil, err
	}
	ctx, span := c.tracer.TraceEvent(ctx, "send_message", input.RoomID, ident.UserID)
	defer span.End()

	msg := &models.Message{
		ID:          uuid.NewString(),
		RoomID:      input.RoomID,
		SenderID:    ident.UserID,
		Content:     input.Content,
		MediaURL:    input.MediaURL,
		MediaType:   input.MediaType,
		ContentType: models.ContentTypeText,
	}
	if input.MediaURL != "" {
		msg.ContentType = models.ContentTypeMedia
	}
	if err := msg.Validate(); err != nil {
		c.metrics.EventCounter.WithLabelValues("send_message", "rejected").Inc()
		return nil, err
	}

	if err := c.authority.Authorize(ctx, ident.UserID, ident.DeviceID); err != nil {
		c.metrics.EventCounter.WithLabelValues("send_message", "rejected").Inc()
		return nil, err
	}
	// Persistence requires durable membership; whether this connection is
	// live-subscribed only affects delivery.
	if _, err := c.stores.Rooms.GetParticipant(ctx, input.RoomID, ident.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.metrics.EventCounter.WithLabelValues("send_message", "rejected").Inc()
			return nil, fmt.Errorf("room %s: %w", input.RoomID, ErrNotParticipant)
		}
		c.metrics.StoreErrors.WithLabelValues("durable", "get_participant").Inc()
		return nil, fmt.Errorf("membership check: %w", err)
	}

	// Only the persist+broadcast unit holds the room lane.
	err = c.lanes.Run(ctx, input.RoomID, func(ctx context.Context) error {
		timer := time.Now()

		if err := c.stores.Messages.Create(ctx, msg); err != nil {
			c.metrics.StoreErrors.WithLabelValues("durable", "create_message").Inc()
			return fmt.Errorf("persist message: %w", err)
		}

		_, bspan := c.tracer.TraceBroadcast(ctx, input.RoomID)
		delivered := c.fanout.Broadcast(input.RoomID, models.MessageEvent(msg), nil)
		c.tracer.SetAttributes(bspan, "delivered", delivered)
		bspan.End()

		c.metrics.BroadcastFanout.Observe(float64(delivered))
		c.metrics.BroadcastDuration.Observe(time.Since(timer).Seconds())
		return nil
	})
	if err != nil {
		c.metrics.EventCounter.WithLabelValues("send_message", "error").Inc()
		c.tracer.RecordError(span, err)
		return nil, err
	}

	c.clearTypingAfterSend(ctx, input.RoomID, ident.UserID, connID)

	c.metrics.EventCounter.WithLabelValues("send_message", "ok").Inc()
	return msg, nil
}

// clearTypingAfterSend drops the sender's typing lease for the room and, if
// the user has no live lease left there, tells the room they stopped typing.
// Presence is best-effort: failures are logged and swallowed, never blocking
// message delivery.
func (c *Coordinator) clearTypingAfterSend(ctx context.Context, roomID, userID, connID string) {
	if err := c.typing.ClearRoom(ctx, roomID, userID, connID); err != nil {
		c.metrics.StoreErrors.WithLabelValues("ephemeral", "clear_typing").Inc()
		c.logger.Warn(ctx, "typing clear failed after send",
			"room_id", roomID, "user_id", userID, "error", err)
		return
	}
	c.metrics.TypingCounter.WithLabelValues("cleared").Inc()

	stillTyping, err := c.typing.UserTypingIn(ctx, roomID, userID)
	if err != nil {
		c.logger.Warn(ctx, "typing lookup failed after send",
			"room_id", roomID, "user_id", userID, "error", err)
		return
	}
	if !stillTyping {
		c.fanout.Broadcast(roomID, models.TypingEvent(roomID, userID, false), c.registry.ConnectionsOf(userID))
	}
}

// StartTyping arms the typing lease and announces it to the room, excluding
// every connection of the acting user.
func (c *Coordinator) StartTyping(ctx context.Context, connID, roomID string) error {
	return c.setTyping(ctx, connID, roomID, true)
}

// StopTyping drops the typing lease and announces the stop, excluding every
// connection of the acting user.
func (c *Coordinator) StopTyping(ctx context.Context, connID, roomID string) error {
	return c.setTyping(ctx, connID, roomID, false)
}

func (c *Coordinator) setTyping(ctx context.Context, connID, roomID string, isTyping bool) error {
	ident, err := c.identity(connID)
	if err != nil {
		return err
	}
	if err := c.authority.Authorize(ctx, ident.UserID, ident.DeviceID); err != nil {
		return err
	}

	transition := "start"
	event := "typing_start"
	if !isTyping {
		transition = "stop"
		event = "typing_stop"
	}

	if err := c.typing.SetTyping(ctx, roomID, ident.UserID, connID, isTyping); err != nil {
		// Presence is best-effort: swallowed after the tracker's retry.
		c.metrics.StoreErrors.WithLabelValues("ephemeral", event).Inc()
		c.logger.Warn(ctx, "typing update failed",
			"room_id", roomID, "user_id", ident.UserID, "typing", isTyping, "error", err)
		return nil
	}
	c.metrics.TypingCounter.WithLabelValues(transition).Inc()

	announce := isTyping
	if !isTyping {
		// Another of the user's connections may still hold a lease.
		stillTyping, err := c.typing.UserTypingIn(ctx, roomID, ident.UserID)
		if err == nil && stillTyping {
			return nil
		}
		announce = false
	}

	c.fanout.Broadcast(roomID, models.TypingEvent(roomID, ident.UserID, announce), c.registry.ConnectionsOf(ident.UserID))
	c.metrics.EventCounter.WithLabelValues(event, "ok").Inc()
	return nil
}

// TypingPing extends an existing lease. An absent or expired lease makes
// the ping a no-op: the client must restart from typing_start.
func (c *Coordinator) TypingPing(ctx context.Context, connID, roomID string) error {
	ident, err := c.identity(connID)
	if err != nil {
		return err
	}
	if err := c.authority.Authorize(ctx, ident.UserID, ident.DeviceID); err != nil {
		return err
	}
	refreshed, err := c.typing.Refresh(ctx, roomID, ident.UserID, connID)
	if err != nil {
		c.metrics.StoreErrors.WithLabelValues("ephemeral", "typing_ping").Inc()
		c.logger.Warn(ctx, "typing refresh failed",
			"room_id", roomID, "user_id", ident.UserID, "error", err)
		return nil
	}
	if refreshed {
		c.metrics.TypingCounter.WithLabelValues("refresh").Inc()
	}
	return nil
}

// LeaveRoom drops the subscription, clears this connection's typing lease
// for the room, and notifies the remaining members.
func (c *Coordinator) LeaveRoom(ctx context.Context, connID, roomID string) error {
	ident, err := c.identity(connID)
	if err != nil {
		return err
	}

	c.fanout.Leave(roomID, connID)

	if err := c.typing.ClearRoom(ctx, roomID, ident.UserID, connID); err != nil {
		c.metrics.StoreErrors.WithLabelValues("ephemeral", "clear_typing").Inc()
		c.logger.Warn(ctx, "typing clear failed on leave",
			"room_id", roomID, "user_id", ident.UserID, "error", err)
	}

	notice := models.SystemEvent(roomID, fmt.Sprintf("%s left the room", ident.UserID))
	c.fanout.Broadcast(roomID, notice, map[string]struct{}{connID: {}})

	c.metrics.EventCounter.WithLabelValues("leave_chat", "ok").Inc()
	c.logger.Info(ctx, "left room", "room_id", roomID, "user_id", ident.UserID, "conn_id", connID)
	return nil
}

// Disconnect tears down a connection. It is idempotent: the registry fires
// at most once per connection, and a second call finds nothing to clean.
// For each room where this connection held the user's last typing evidence,
// the room is told the user stopped typing.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	userID, ok := c.registry.Unregister(connID)
	if !ok {
		c.fanout.Detach(connID)
		return
	}

	c.mu.Lock()
	delete(c.sessions, connID)
	c.mu.Unlock()

	rooms, err := c.typing.ClearConnection(ctx, userID, connID)
	if err != nil {
		c.metrics.StoreErrors.WithLabelValues("ephemeral", "clear_connection").Inc()
		c.logger.Warn(ctx, "typing cleanup failed on disconnect",
			"user_id", userID, "conn_id", connID, "error", err)
	}
	for _, roomID := range rooms {
		stillTyping, err := c.typing.UserTypingIn(ctx, roomID, userID)
		if err != nil || stillTyping {
			continue
		}
		c.fanout.Broadcast(roomID, models.TypingEvent(roomID, userID, false), c.registry.ConnectionsOf(userID))
	}

	c.fanout.Detach(connID)
	c.metrics.ActiveConnections.Dec()
	c.logger.Info(ctx, "connection closed", "user_id", userID, "conn_id", connID)
}
