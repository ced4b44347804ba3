// Package models provides domain types shared across the Parley chat backend.
package models

import (
	"strings"
	"time"
)

// User is a stable chat identity. Users are owned by the durable store and
// read-only from the coordinator's perspective.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Device is the single authorized device for a user. At most one Device row
// exists per user at any instant; a new login replaces prior rows.
type Device struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// Room is a durable chat scope: the unit of broadcast and persistence.
type Room struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Participant is a durable room-membership record.
type Participant struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message content types.
const (
	ContentTypeText  = "text"
	ContentTypeMedia = "media"
)

// Message is immutable once created. Either Content or MediaURL is set,
// discriminated by ContentType.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content,omitempty"`
	MediaURL    string    `json:"media_url,omitempty"`
	MediaType   string    `json:"media_type,omitempty"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsMedia reports whether the message carries a media reference.
func (m *Message) IsMedia() bool {
	return m.ContentType == ContentTypeMedia
}

// Validate checks that the message has a sender, a room, and a body.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.RoomID) == "" {
		return ErrMissingRoom
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return ErrMissingSender
	}
	if strings.TrimSpace(m.Content) == "" && strings.TrimSpace(m.MediaURL) == "" {
		return ErrEmptyMessage
	}
	return nil
}
