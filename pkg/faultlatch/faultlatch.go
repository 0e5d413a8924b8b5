// Package faultlatch provides the one-shot fatal-error latch shared by
// control sessions, displays, and display backends. A fault chain can
// originate on any of an object's channels, from any goroutine, and the
// handler it triggers often tears the object down; the latch guarantees
// the handler runs at most once and never reenters.
package faultlatch

import "sync/atomic"

// Latch is a per-object one-shot guard. The zero value is ready to use.
type Latch struct {
	fired atomic.Bool
}

// Fire runs f if and only if this is the first Fire call on the latch.
// It reports whether f ran. A nil f still consumes the latch.
func (l *Latch) Fire(f func()) bool {
	if !l.fired.CompareAndSwap(false, true) {
		return false
	}
	if f != nil {
		f()
	}
	return true
}

// Fired reports whether the latch has been consumed.
func (l *Latch) Fired() bool {
	return l.fired.Load()
}
