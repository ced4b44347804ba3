package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/coordinator"
	"github.com/parley-im/parley/internal/observability"
	"github.com/parley-im/parley/internal/storage"
	"github.com/parley-im/parley/pkg/models"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

type wsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// wsFrame is the wire unit. Requests carry Method/Params, responses echo
// the request ID, events carry a monotonically increasing Seq.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int    `json:"minProtocol"`
	MaxProtocol int    `json:"maxProtocol"`
	Token       string `json:"token"`
}

type wsRoomParams struct {
	RoomID string `json:"room_id"`
}

type wsCreateRoomParams struct {
	Title   string `json:"title"`
	IsGroup bool   `json:"is_group"`
}

type wsSendParams struct {
	RoomID    string `json:"room_id"`
	Content   string `json:"content,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// wsSession is one live connection. It is the fan-out delivery target for
// its connection ID: coordinator broadcasts land in the send channel and
// drain through the write loop.
type wsSession struct {
	handler    *wsHandler
	conn       *websocket.Conn
	send       chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	writerDone chan struct{}

	// opCtx carries conn_id and, after connect, user_id for log
	// correlation. Only the read loop touches it; ctx stays fixed so the
	// write loop can watch cancellation without a data race.
	opCtx context.Context

	id          string
	connected   atomic.Bool
	seq         int64
	ident       *auth.Identity
	headerToken string
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observability.WithConnID(context.Background(), id))
	session := &wsSession{
		handler:    h,
		conn:       conn,
		send:       make(chan []byte, 64),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		opCtx:      ctx,
		id:         id,

		headerToken: bearerToken(r.Header),
	}
	session.run()
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.cancel()
	<-s.writerDone

	// Flush frames queued before teardown so a final rejection response
	// still reaches the client.
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			_ = s.conn.WriteMessage(websocket.TextMessage, msg)      //nolint:errcheck
		default:
			_ = s.conn.Close()
			// Teardown outlives the session context, which is cancelled
			// by now, so cleanup runs on a fresh one.
			s.handler.server.coord.Disconnect(observability.WithConnID(context.Background(), s.id), s.id)
			return
		}
	}
}

// Send implements fanout delivery. A full buffer drops the event rather
// than blocking the broadcasting goroutine.
func (s *wsSession) Send(event *models.Event) {
	data, err := json.Marshal(wsFrame{
		Type:    "event",
		Event:   string(event.Type),
		Payload: event,
		Seq:     seqPtr(atomic.AddInt64(&s.seq, 1)),
	})
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

func seqPtr(v int64) *int64 { return &v }

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck

		frame, err := s.decodeFrame(data)
		if err != nil {
			s.sendError("", "invalid_frame", err.Error())
			continue
		}

		if !s.connected.Load() {
			if frame.Method != "connect" {
				s.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := s.handleConnect(frame); err != nil {
				s.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		if err := s.handleRequest(frame); err != nil {
			s.sendError(frame.ID, errorCode(err), err.Error())
		}
	}
}

func (s *wsSession) writeLoop() {
	defer close(s.writerDone)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if frame.Method == "" {
		return nil, errors.New("method is required")
	}
	return &frame, nil
}

func (s *wsSession) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return errors.New("unsupported protocol version")
	}

	token := strings.TrimSpace(params.Token)
	if token == "" {
		token = s.headerToken
	}
	if token == "" {
		return errors.New("token is required")
	}
	ident, err := s.handler.server.auth.Verify(token)
	if err != nil {
		return err
	}
	if err := s.handler.server.coord.Authenticate(s.opCtx, s.id, ident, s); err != nil {
		return err
	}
	s.ident = ident
	s.opCtx = observability.WithUserID(s.opCtx, ident.UserID)

	if err := s.sendResponse(frame.ID, true, map[string]any{
		"type":     "hello-ok",
		"protocol": wsProtocolVersion,
		"conn_id":  s.id,
		"user_id":  ident.UserID,
		"features": map[string]any{"methods": supportedWSMethods()},
	}, nil); err != nil {
		return err
	}
	s.connected.Store(true)
	return nil
}

func bearerToken(h http.Header) string {
	if h == nil {
		return ""
	}
	value := h.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}

func (s *wsSession) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "ping":
		return s.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	case "create_room":
		return s.handleCreateRoom(frame)
	case "join_chat":
		return s.handleRoomOp(frame, s.handler.server.coord.JoinRoom)
	case "leave_chat":
		return s.handleRoomOp(frame, s.handler.server.coord.LeaveRoom)
	case "send_message":
		return s.handleSendMessage(frame)
	case "typing_start":
		return s.handleRoomOp(frame, s.handler.server.coord.StartTyping)
	case "typing_stop":
		return s.handleRoomOp(frame, s.handler.server.coord.StopTyping)
	case "typing_ping":
		return s.handleRoomOp(frame, s.handler.server.coord.TypingPing)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (s *wsSession) handleCreateRoom(frame *wsFrame) error {
	var params wsCreateRoomParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Title) == "" {
		return errors.New("title is required")
	}
	room, err := s.handler.server.coord.CreateRoom(s.opCtx, s.id, params.Title, params.IsGroup)
	if err != nil {
		return err
	}
	return s.sendResponse(frame.ID, true, room, nil)
}

func (s *wsSession) handleRoomOp(frame *wsFrame, op func(context.Context, string, string) error) error {
	var params wsRoomParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.RoomID) == "" {
		return errors.New("room_id is required")
	}
	if err := op(s.opCtx, s.id, params.RoomID); err != nil {
		return err
	}
	return s.sendResponse(frame.ID, true, map[string]any{"room_id": params.RoomID}, nil)
}

func (s *wsSession) handleSendMessage(frame *wsFrame) error {
	var params wsSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	msg, err := s.handler.server.coord.SendMessage(s.opCtx, s.id, coordinator.SendInput{
		RoomID:    params.RoomID,
		Content:   params.Content,
		MediaURL:  params.MediaURL,
		MediaType: params.MediaType,
	})
	if err != nil {
		return err
	}
	return s.sendResponse(frame.ID, true, msg, nil)
}

func (s *wsSession) sendResponse(id string, ok bool, payload any, wsErr *wsError) error {
	return s.enqueue(wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   wsErr,
	})
}

func (s *wsSession) sendError(id, code, message string) {
	_ = s.sendResponse(id, false, nil, &wsError{Code: code, Message: message}) //nolint:errcheck
}

func (s *wsSession) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return errors.New("payload too large")
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// errorCode maps the coordinator's error taxonomy onto wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, coordinator.ErrNotAuthenticated):
		return "unauthorized"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, coordinator.ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, models.ErrEmptyMessage), errors.Is(err, models.ErrMissingRoom),
		errors.Is(err, models.ErrMissingSender):
		return "invalid_request"
	default:
		return "request_failed"
	}
}

func supportedWSMethods() []string {
	return []string{
		"connect",
		"ping",
		"create_room",
		"join_chat",
		"send_message",
		"leave_chat",
		"typing_start",
		"typing_stop",
		"typing_ping",
	}
}
