package rooms

import "errors"

var (
	ErrEmptyRoomID     = errors.New("room id is empty")
	ErrEmptyConnection = errors.New("connection id is empty")
	ErrRoomNotFound    = errors.New("room not found")
	ErrSenderNotBound  = errors.New("broadcaster has no sender")
)
