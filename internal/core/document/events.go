package document

import (
	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

type EventKind uint8

const (
	OperationApplied EventKind = iota + 1
	CursorUpdated
	SelectionUpdated
	StateSynced
	Destroyed
)

func (k EventKind) String() string {
	switch k {
	case OperationApplied:
		return "operation_applied"
	case CursorUpdated:
		return "cursor_updated"
	case SelectionUpdated:
		return "selection_updated"
	case StateSynced:
		return "state_synced"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is emitted while the document lock is held, so events arrive in
// version order. Handlers must not call back into the same document.
type Event struct {
	Kind     EventKind
	Document protocol.RoomID
	UserID   protocol.UserID

	// OperationApplied
	Operation ot.Operation
	Content   string
	Version   uint64

	// CursorUpdated and SelectionUpdated carry every current entry.
	Cursors    map[protocol.UserID]Cursor
	Selections map[protocol.UserID]Selection
}
