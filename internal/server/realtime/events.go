package realtime

import (
	"context"
	"encoding/json"
)

// Inbound event names.
const (
	EventJoinRoom    = "join_room"
	EventSendMessage = "send_message"
	EventHeartbeat   = "heartbeat"
)

// Outbound event names.
const (
	EventPresence       = "presence"
	EventReceiveMessage = "receive_message"
	EventMessageAck     = "message_ack"
	EventRoomJoined     = "room_joined"
	EventError          = "error"
)

// Error codes carried by EventError.
const (
	CodeValidation    = "validation"
	CodeNotFound      = "not_found"
	CodeForbidden     = "forbidden"
	CodeStorage       = "storage"
	CodeNotRegistered = "not_registered"
)

// Inbound is a frame received from a client.
type Inbound struct {
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a frame sent to clients.
type Event struct {
	Event   string `json:"event"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type RoomPayload struct {
	ChatID string `json:"chatId"`
}

// ErrorEvent builds an EventError frame answering ref.
func ErrorEvent(ref, code, message string) Event {
	return Event{
		Event:   EventError,
		Ref:     ref,
		Payload: ErrorPayload{Code: code, Message: message},
	}
}

// Handler receives the lifecycle and inbound events of every connection
// served by an Endpoint.
type Handler interface {
	// OnConnect runs once the connection is attached to the hub. A non-nil
	// error is reported to the client and the connection is closed.
	OnConnect(ctx context.Context, connID, userID string) error
	OnEvent(ctx context.Context, connID string, in Inbound)
	// OnDisconnect runs after the connection has left the hub.
	OnDisconnect(ctx context.Context, connID string)
}
