package models

import "errors"

// Validation errors for inbound payloads.
var (
	ErrMissingRoom   = errors.New("room id is required")
	ErrMissingSender = errors.New("sender id is required")
	ErrEmptyMessage  = errors.New("message has no content or media")
)

// EventType identifies a server-to-client event.
type EventType string

const (
	// EventChatHistory carries the full ordered history on join.
	EventChatHistory EventType = "chat_history"

	// EventMessage carries a newly persisted room message.
	EventMessage EventType = "message"

	// EventSystem carries join/leave notices.
	EventSystem EventType = "system"

	// EventUserTyping carries a typing state change for one user.
	EventUserTyping EventType = "user_typing"
)

// Event is the unit of fan-out delivery. Exactly one payload field is
// non-nil for a given Type.
type Event struct {
	Type    EventType      `json:"event"`
	RoomID  string         `json:"room_id"`
	History []*Message     `json:"history,omitempty"`
	Message *Message       `json:"message,omitempty"`
	System  *SystemPayload `json:"system,omitempty"`
	Typing  *TypingPayload `json:"typing,omitempty"`
}

// SystemPayload is a human-readable room notice.
type SystemPayload struct {
	Text string `json:"text"`
}

// TypingPayload reports one user's typing state in a room.
type TypingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// HistoryEvent builds a chat_history event for a room.
func HistoryEvent(roomID string, history []*Message) *Event {
	return &Event{Type: EventChatHistory, RoomID: roomID, History: history}
}

// MessageEvent builds a message broadcast event.
func MessageEvent(msg *Message) *Event {
	return &Event{Type: EventMessage, RoomID: msg.RoomID, Message: msg}
}

// SystemEvent builds a system notice event.
func SystemEvent(roomID, text string) *Event {
	return &Event{Type: EventSystem, RoomID: roomID, System: &SystemPayload{Text: text}}
}

// TypingEvent builds a user_typing event.
func TypingEvent(roomID, userID string, typing bool) *Event {
	return &Event{Type: EventUserTyping, RoomID: roomID, Typing: &TypingPayload{UserID: userID, Typing: typing}}
}
