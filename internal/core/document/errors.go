package document

import "errors"

var (
	ErrDestroyed      = errors.New("document destroyed")
	ErrVersionEvicted = errors.New("version no longer in operation log")
	ErrFutureVersion  = errors.New("version is ahead of the document")
	ErrInvalidConfig  = errors.New("invalid document configuration")
)
