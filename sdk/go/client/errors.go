package client

import (
	"errors"
	"fmt"
)

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrNotInRoom        = errors.New("client has not joined the room")
)

// ServerError is a request failure reported by the server.
type ServerError struct {
	Code    string
	Message string
	// Request is the type of the message that failed.
	Request string
}

func (e *ServerError) Error() string {
	if e.Request == "" {
		return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server error %s on %s: %s", e.Code, e.Request, e.Message)
}
