package ot

import (
	"errors"
	"fmt"
)

var ErrInvalidOperation = errors.New("invalid operation")

// InvalidOperationError rejects a malformed edit. The document is left
// untouched.
type InvalidOperationError struct {
	Reason    string
	Operation Operation
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid %s operation at %d: %s", e.Operation.Kind, e.Operation.Position, e.Reason)
}

func (e *InvalidOperationError) Is(target error) bool {
	return target == ErrInvalidOperation
}

func invalid(op Operation, format string, args ...any) error {
	return &InvalidOperationError{Reason: fmt.Sprintf(format, args...), Operation: op}
}
