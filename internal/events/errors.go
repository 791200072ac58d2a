package events

import (
	"errors"
	"fmt"

	"github.com/roach88/reframe/internal/errhandler"
)

// ErrInterceptor matches any *InterceptorError under errors.Is.
var ErrInterceptor = errors.New("interceptor failed")

// InterceptorError wraps a failure raised by an interceptor phase or the
// handler step.
type InterceptorError struct {
	// EventKey is the event being handled.
	EventKey string

	// ID identifies the interceptor ("db-handler" / "fx-handler" for the
	// handler step).
	ID string

	// Direction is the phase the failure happened in.
	Direction errhandler.Direction

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *InterceptorError) Error() string {
	return fmt.Sprintf("interceptor %s (%s) failed handling %s: %v", e.ID, e.Direction, e.EventKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *InterceptorError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInterceptor.
func (e *InterceptorError) Is(target error) bool {
	return target == ErrInterceptor
}

// IsInterceptorError reports whether err is or wraps an InterceptorError.
func IsInterceptorError(err error) bool {
	var ie *InterceptorError
	return errors.As(err, &ie)
}
