// Package dirtyrect implements the dirty-rectangle queue policy: the
// backpressure and full-screen-fallback rule applied in front of the raw,
// unframed dirty-rect channel.
package dirtyrect

import (
	"github.com/troyc/pv-display-helper/pkg/pverr"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// spaceThresholdTryAgain and spaceThresholdFullScreen are the two
// backpressure breakpoints: below the first, the call is rejected
// outright; at or above it but below the second, the caller's rectangle
// is widened to the full display instead of being written as-is, so the
// consumer can catch up with one record instead of falling behind.
const (
	spaceThresholdTryAgain   = wire.DirtyRectLen     // 16
	spaceThresholdFullScreen = 2 * wire.DirtyRectLen // 32
)

// Writer is the subset of ivc.Channel the queue needs: enough to check
// backpressure and perform the raw, unframed 16-byte write.
type Writer interface {
	AvailableSpace() (int, error)
	Send(data []byte) error
}

// Queue wraps a raw dirty-rect channel, implementing invalidate_region's
// backpressure policy in front of it.
type Queue struct {
	w Writer
}

// New returns a Queue writing through w.
func New(w Writer) *Queue {
	return &Queue{w: w}
}

// Decide applies the fallback rule given the channel's current available
// space, the caller's requested rectangle, and the display's full extent.
// It returns the rectangle that should actually be written, or ok=false
// if the call must return try-again without writing anything.
func Decide(space int, requested wire.DirtyRect, displayWidth, displayHeight uint32) (rect wire.DirtyRect, ok bool) {
	if space < spaceThresholdTryAgain {
		return wire.DirtyRect{}, false
	}
	if space < spaceThresholdFullScreen {
		return wire.DirtyRect{X: 0, Y: 0, Width: displayWidth, Height: displayHeight}, true
	}
	return requested, true
}

// Invalidate queries the channel's available space and, per Decide's
// policy, either writes a 16-byte raw record (the caller's rectangle or a
// full-screen substitute) or returns pverr.ErrTryAgain without writing.
func (q *Queue) Invalidate(x, y, w, h, displayWidth, displayHeight uint32) error {
	space, err := q.w.AvailableSpace()
	if err != nil {
		return pverr.Wrap(pverr.ErrTransport, "dirtyrect: querying available space")
	}

	rect, ok := Decide(space, wire.DirtyRect{X: x, Y: y, Width: w, Height: h}, displayWidth, displayHeight)
	if !ok {
		return pverr.Wrap(pverr.ErrTryAgain, "dirtyrect: queue full")
	}

	return q.w.Send(wire.EncodeDirtyRect(rect))
}
