// Package protocol defines the JSON frames exchanged over the trip
// collaboration websocket. Both collab-service and pkg/collab speak it.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Client -> server message types.
const (
	MsgTypeJoinTrip  = "trip:join"
	MsgTypeLeaveTrip = "trip:leave"
	MsgTypePing      = "ping"
)

// Server -> client message types.
const (
	MsgTypeRoomMembers = "room:members"
	MsgTypeUserJoined  = "user:joined"
	MsgTypeUserLeft    = "user:left"
	MsgTypeError       = "error"
	MsgTypePong        = "pong"
)

// Error codes
const (
	ErrCodeAuth          = "AUTH"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// BaseMessage is the base structure for all websocket frames.
type BaseMessage struct {
	Type string `json:"type"`
}

// TripMessage is trip:join or trip:leave.
type TripMessage struct {
	Type   string `json:"type"`
	TripID string `json:"trip_id"`
}

// EventMessage is a domain mutation event emitted by a client.
type EventMessage struct {
	Type    string          `json:"type"`
	TripID  string          `json:"trip_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Member is a session's presence entry as seen by clients.
type Member struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RoomMembers is the room:members snapshot sent to a joiner.
type RoomMembers struct {
	Type    string   `json:"type"`
	TripID  string   `json:"trip_id"`
	Members []Member `json:"members"`
}

// MemberChange is user:joined or user:left.
type MemberChange struct {
	Type   string `json:"type"`
	TripID string `json:"trip_id"`
	Member Member `json:"member"`
}

// RelayedEvent is the envelope delivered to the other members of a trip.
// Payload is carried semantically unchanged: Encode compacts whitespace but
// leaves characters such as '<' and '&' unescaped.
type RelayedEvent struct {
	Type      string          `json:"type"`
	TripID    string          `json:"trip_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	From      string          `json:"from"`
	SessionID string          `json:"session_id"`
	EventID   string          `json:"event_id"`
	SentAt    time.Time       `json:"sent_at"`
}

// Encode marshals the envelope without HTML escaping.
func (e *RelayedEvent) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ErrorMessage is sent to a single client, or as the body of a refused
// websocket upgrade.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
