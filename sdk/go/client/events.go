package client

import (
	"time"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected      EventType = "connected"
	EventTypeDisconnected   EventType = "disconnected"
	EventTypeReconnecting   EventType = "reconnecting"
	EventTypeReconnected    EventType = "reconnected"
	EventTypeConnectionLost EventType = "connection_lost"
	EventTypeError          EventType = "error"

	EventTypeUserJoined       EventType = "user_joined"
	EventTypeUserLeft         EventType = "user_left"
	EventTypeDocumentState    EventType = "document_state"
	EventTypeOperationApplied EventType = "operation_applied"
	EventTypeOperationAck     EventType = "operation_ack"
	EventTypeCursorUpdated    EventType = "cursor_updated"
	EventTypeSelectionUpdated EventType = "selection_updated"
	EventTypeStateChanged     EventType = "state_changed"
	// EventTypeMessage carries any other server message.
	EventTypeMessage EventType = "message"
)

var messageEvents = map[string]EventType{
	protocol.TypeUserJoined:       EventTypeUserJoined,
	protocol.TypeUserLeft:         EventTypeUserLeft,
	protocol.TypeDocumentState:    EventTypeDocumentState,
	protocol.TypeOperationApplied: EventTypeOperationApplied,
	protocol.TypeOperationAck:     EventTypeOperationAck,
	protocol.TypeCursorUpdated:    EventTypeCursorUpdated,
	protocol.TypeSelectionUpdated: EventTypeSelectionUpdated,
	protocol.TypeStateChanged:     EventTypeStateChanged,
	protocol.TypeError:            EventTypeError,
}

// Event represents a client event
type Event struct {
	Type EventType
	Room protocol.RoomID
	// UserID is the author for messages that carry one.
	UserID protocol.UserID
	// Message is the server message behind message events.
	Message protocol.Message

	Reason  string
	Attempt int
	Delay   time.Duration
	Error   error

	Timestamp time.Time
}

// Decode unmarshals the message payload, typically into a type from the
// payload package.
func (e Event) Decode(v any) error {
	return e.Message.DecodePayload(v)
}

// EventHandler defines a function type for handling client events
type EventHandler func(event Event) error
