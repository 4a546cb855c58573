package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeusync/zeuscollab/pkg/generic"
)

// Control message types consumed by the connection registry.
const (
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
)

// Messages emitted by the room broadcaster.
const (
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
)

// Application message types routed by the gateway. The registry forwards
// them untouched.
const (
	TypeOperation        = "operation"
	TypeOperationApplied = "operation_applied"
	TypeOperationAck     = "operation_ack"
	TypeCursor           = "cursor"
	TypeCursorUpdated    = "cursor_updated"
	TypeSelection        = "selection"
	TypeSelectionUpdated = "selection_updated"
	TypeStateSet         = "state_set"
	TypeStateGet         = "state_get"
	TypeStateChanged     = "state_changed"
	TypeSyncRequest      = "sync_request"
	TypeDocumentState    = "document_state"
	TypeError            = "error"
)

// IsControl reports whether t is handled by the registry itself.
func IsControl(t string) bool {
	switch t {
	case TypeHeartbeat, TypeHeartbeatAck, TypeJoinRoom, TypeLeaveRoom:
		return true
	}
	return false
}

// Message is the JSON wire object. Only Type is mandatory; Payload carries the
// application body untouched.
type Message struct {
	Type         string          `json:"type"`
	RoomID       RoomID          `json:"roomId,omitempty"`
	ConnectionID ConnectionID    `json:"connectionId,omitempty"`
	UserID       UserID          `json:"userId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`

}

// NewMessage stamps a message of type t with the current time in Unix millis.
func NewMessage(t string) Message {
	return Message{Type: t, Timestamp: time.Now().UnixMilli()}
}

// WithPayload marshals v into the payload.
func (m Message) WithPayload(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	m.Payload = data
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %q", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	return nil
}

// Codec converts messages to and from wire bytes.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// JSONCodec produces newline-free JSON objects. Text is not HTML-escaped.
type JSONCodec struct{}

var encodeBuffers = generic.NewPool(
	func() *bytes.Buffer { return new(bytes.Buffer) },
	func(b *bytes.Buffer) { b.Reset() },
)

// Encode converts a Message into a JSON byte slice.
func (JSONCodec) Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	buf := encodeBuffers.Get()
	defer encodeBuffers.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return append([]byte(nil), bytes.TrimRight(buf.Bytes(), "\n")...), nil
}

// Decode converts a JSON byte slice back into a Message.
func (JSONCodec) Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(data), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return msg, nil
}
