package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrListenerFailed       = errors.New("failed to create listener")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrNotMember            = errors.New("connection is not a member of the room")
	ErrMissingRoom          = errors.New("message has no room")
)
