// Package payload defines the JSON bodies of application messages shared by
// the server and the Go client. An operation message carries an ot.Operation
// as its payload directly.
package payload

import (
	"github.com/zeusync/zeuscollab/internal/core/document"
	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

type Cursor struct {
	Position int             `json:"position"`
	UserID   protocol.UserID `json:"userId,omitempty"`
	// Removed marks a user whose presence left the document.
	Removed bool `json:"removed,omitempty"`
}

type Selection struct {
	Start  int             `json:"start"`
	End    int             `json:"end"`
	UserID protocol.UserID `json:"userId,omitempty"`
}

type StateSet struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type StateGet struct {
	Key string `json:"key"`
}

// StateChanged answers state_set and state_get. Key is the key as the
// client named it, without the room scope.
type StateChanged struct {
	Key       string          `json:"key"`
	Value     any             `json:"value"`
	UserID    protocol.UserID `json:"userId,omitempty"`
	Version   uint64          `json:"version"`
	Timestamp int64           `json:"timestamp"`
}

// SyncRequest asks for the document. With Since set the reply also
// carries the operations committed after that version when they are still
// in the log.
type SyncRequest struct {
	Since *uint64 `json:"since,omitempty"`
}

type DocumentState struct {
	document.State
	Operations []ot.Operation `json:"operations,omitempty"`
}

type OperationApplied struct {
	Operation ot.Operation `json:"operation"`
	Version   uint64       `json:"version"`
}

type OperationAck struct {
	OperationID string `json:"operationId"`
	// Operation is the committed operation after rebasing.
	Operation ot.Operation `json:"operation"`
	Version   uint64       `json:"version"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Request is the type of the message that failed.
	Request string `json:"request,omitempty"`
}

// Error codes carried in error messages sent to clients.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeNotMember        = "not_member"
	CodeInvalidOperation = "invalid_operation"
	CodeResyncRequired   = "resync_required"
	CodeStateFailed      = "state_failed"
	CodeNotFound         = "not_found"
)
