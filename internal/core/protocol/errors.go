package protocol

import (
	"errors"
	"fmt"
)

// Core protocol errors
var (
	// Transport errors

	ErrTransportFailed = errors.New("transport failed")
	ErrChannelClosed   = errors.New("channel is closed")
	ErrDialFailed      = errors.New("dial failed")

	// Message errors

	ErrInvalidMessage        = errors.New("invalid message")
	ErrSerializationFailed   = errors.New("message serialization failed")
	ErrDeserializationFailed = errors.New("message deserialization failed")
)

// TransportError reports a channel open or send failure.
type TransportError struct {
	Op  string // "open" or "send"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransportFailed) match any TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailed
}

// NewTransportError wraps err; nil stays nil.
func NewTransportError(op, url string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, URL: url, Err: err}
}
