package subs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycle is matched by every *CycleError.
	ErrCycle = errors.New("subscription dependency cycle")

	// ErrInvalidConfig is returned by Register for a malformed Config.
	ErrInvalidConfig = errors.New("invalid subscription config")

	// ErrNotRegistered is returned by Subscribe for an unknown key.
	ErrNotRegistered = errors.New("subscription not registered")
)

// CycleError reports a dependency cycle between subscriptions.
type CycleError struct {
	// Path lists the keys along the cycle; the first and last are equal.
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

// Is reports whether target is ErrCycle.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// IsCycleError reports whether err is or wraps a CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
