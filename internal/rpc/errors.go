package rpc

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidParams wraps parameter validation failures so the router can map
// them to -32602. Handlers build them with InvalidParams.
var ErrInvalidParams = errors.New("invalid params")

// InvalidParams returns a validation error carrying a caller-facing message.
func InvalidParams(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

// classify maps a handler error to a wire code and message. Every
// non-validation failure lands on -32000 with the message only; stacks stay
// in the log.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return CodeServerError, "request deadline exceeded"
	}
	return CodeServerError, err.Error()
}
