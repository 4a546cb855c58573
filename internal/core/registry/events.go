package registry

import (
	"time"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

// EventKind enumerates registry events.
type EventKind uint8

const (
	Connected EventKind = iota + 1
	Disconnected
	Reconnecting
	Reconnected
	ConnectionLost
	MessageReceived
	Errored
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Reconnected:
		return "reconnected"
	case ConnectionLost:
		return "connection_lost"
	case MessageReceived:
		return "message"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Event describes a connection lifecycle change or an inbound application
// message. Fields that do not apply to Kind are zero.
type Event struct {
	Kind       EventKind
	Connection protocol.ConnectionID
	// Message is set for MessageReceived; ConnectionID is stamped with the
	// sender.
	Message protocol.Message
	// Reason is the channel close reason for Disconnected.
	Reason string
	// Attempt and Delay describe a scheduled reconnect.
	Attempt   int
	Delay     time.Duration
	Err       error
	Timestamp time.Time
}
