package protocol

import (
	"github.com/google/uuid"
)

// ConnectionID represents a unique identifier for a connection. Generated by
// the registry, unique for the process lifetime.
type ConnectionID string

// RoomID represents a caller-supplied room name.
type RoomID string

// UserID represents the authoring participant of an edit or presence update.
type UserID string

func (id ConnectionID) String() string { return string(id) }
func (id RoomID) String() string       { return string(id) }
func (id UserID) String() string       { return string(id) }

// ConnectionStatus represents the current state of a connection
type ConnectionStatus int

const (
	StatusConnecting ConnectionStatus = iota
	StatusConnected
	StatusDisconnected
	StatusErrored
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// GenerateConnectionID generates a unique connection ID
func GenerateConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}
