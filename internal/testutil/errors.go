package testutil

import (
	"sync"

	"github.com/roach88/reframe/internal/errhandler"
)

// ReportedError is one error seen by an ErrorRecorder.
type ReportedError struct {
	Err     error
	Context errhandler.Context
}

// ErrorRecorder collects errors handed to an error handler.
//
// Thread-safety: safe for concurrent use; effect errors are reported from
// sibling goroutines.
type ErrorRecorder struct {
	mu     sync.Mutex
	errors []ReportedError
}

// NewErrorRecorder creates an empty recorder.
func NewErrorRecorder() *ErrorRecorder {
	return &ErrorRecorder{}
}

// Handle records err. It has the errhandler.Func signature.
func (r *ErrorRecorder) Handle(err error, ec errhandler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, ReportedError{Err: err, Context: ec})
	return nil
}

// Errors returns a copy of the recorded errors in report order.
func (r *ErrorRecorder) Errors() []ReportedError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReportedError(nil), r.errors...)
}

// Phases returns the phase of each recorded error in report order.
func (r *ErrorRecorder) Phases() []errhandler.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	phases := make([]errhandler.Phase, len(r.errors))
	for i, e := range r.errors {
		phases[i] = e.Context.Phase
	}
	return phases
}

// Reset discards recorded errors.
func (r *ErrorRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = nil
}
