// Package pverr defines the error kinds surfaced by the pv-display-helper
// core: invalid arguments, transient resource exhaustion, transport
// failures, protocol violations, lookups against torn-down objects, and the
// dirty-rect queue's try-again signal.
package pverr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is against these, and Wrap/Wrapf to attach
// context while keeping errors.Is/errors.As working through %w.
var (
	ErrInvalidArgument = errors.New("pv-display: invalid argument")
	ErrOutOfMemory     = errors.New("pv-display: out of memory")
	ErrTransport       = errors.New("pv-display: transport error")
	ErrProtocol        = errors.New("pv-display: protocol error")
	ErrNotFound        = errors.New("pv-display: not found")
	ErrTryAgain        = errors.New("pv-display: try again")
)

// Wrap attaches msg to kind so that errors.Is(Wrap(kind, msg), kind) holds.
func Wrap(kind error, msg string) error {
	return fmt.Errorf("%s: %w", msg, kind)
}

// Wrapf is Wrap with fmt-style formatting.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
