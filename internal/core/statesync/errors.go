package statesync

import "errors"

var (
	ErrEmptyKey      = errors.New("state key is empty")
	ErrClosed        = errors.New("state sync manager closed")
	ErrInvalidConfig = errors.New("invalid state sync configuration")
)
