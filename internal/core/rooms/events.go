package rooms

import (
	"time"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

// EventKind enumerates broadcaster lifecycle events.
type EventKind uint8

const (
	RoomCreated EventKind = iota + 1
	RoomDeleted
	MemberJoined
	MemberLeft
)

func (k EventKind) String() string {
	switch k {
	case RoomCreated:
		return "room_created"
	case RoomDeleted:
		return "room_deleted"
	case MemberJoined:
		return "member_joined"
	case MemberLeft:
		return "member_left"
	default:
		return "unknown"
	}
}

// Event is published after the membership change it describes is visible.
type Event struct {
	Kind       EventKind
	Room       protocol.RoomID
	Connection protocol.ConnectionID
	// Members is the member count right after the change.
	Members   int
	Timestamp time.Time
}
