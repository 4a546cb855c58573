package registry

import "errors"

var (
	ErrRegistryClosed      = errors.New("registry is closed")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrNotDialable         = errors.New("connection was accepted, it has no url to dial")
	ErrReconnectInProgress = errors.New("reconnect already in progress")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrInvalidConfig       = errors.New("invalid registry configuration")
)
