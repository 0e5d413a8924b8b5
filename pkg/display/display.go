// Package display implements the provider-side Display: the per-display
// object owning an event channel, a framebuffer channel, and optionally a
// dirty-rectangle channel and a cursor channel, together with its
// lifecycle and latched fatal-error handling.
package display

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/troyc/pv-display-helper/pkg/dirtyrect"
	"github.com/troyc/pv-display-helper/pkg/faultlatch"
	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/pverr"
	"github.com/troyc/pv-display-helper/pkg/pvconfig"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// AddRequest mirrors wire.AddDisplayRequest at the API boundary, so
// callers of Reconnect don't need to import pkg/wire directly.
type AddRequest = wire.AddDisplayRequest

// FatalHandler is invoked at most once per Display, the first time any of
// its four channels reports a fatal transport/protocol condition.
type FatalHandler func(d *Display, err error)

// Display is the provider-side handle for one accepted display: it owns
// four channels (event and framebuffer always; dirty-rect and cursor
// optionally) and the shared local framebuffer/cursor buffers mapped on
// top of two of them.
type Display struct {
	logger zerolog.Logger

	key    uint32
	domain ivc.DomainID

	mu     sync.Mutex
	width  uint32
	height uint32
	stride uint32

	event     ivc.Channel
	framebuf  ivc.Channel
	dirtyRect ivc.Channel
	cursor    ivc.Channel

	dirtyQueue *dirtyrect.Queue

	cursorHotX, cursorHotY uint32
	cursorVisible          bool

	fatal     FatalHandler
	latch     faultlatch.Latch
	destroyed atomic.Bool
}

// Config groups the pieces New needs: the display's key, domain and
// geometry, its already-open channels, who to call back, and what logger
// to use.
type Config struct {
	Key    uint32
	Domain ivc.DomainID
	Width  uint32
	Height uint32
	Stride uint32

	Event     ivc.Channel
	Framebuf  ivc.Channel
	DirtyRect ivc.Channel // nil if not requested
	Cursor    ivc.Channel // nil if not requested

	Fatal  FatalHandler
	Logger zerolog.Logger
}

// New wraps four already-connected channels into a Display and wires
// their disconnect callbacks to the latched fatal-error handler. A
// disconnect on any one channel is fatal for the whole display; the
// handler fires once no matter how many channels report it.
func New(cfg Config) *Display {
	d := &Display{
		logger:    cfg.Logger,
		key:       cfg.Key,
		domain:    cfg.Domain,
		width:     cfg.Width,
		height:    cfg.Height,
		stride:    cfg.Stride,
		event:     cfg.Event,
		framebuf:  cfg.Framebuf,
		dirtyRect: cfg.DirtyRect,
		cursor:    cfg.Cursor,
		fatal:     cfg.Fatal,
	}
	if d.dirtyRect != nil {
		d.dirtyQueue = dirtyrect.New(d.dirtyRect)
	}

	for _, ch := range []ivc.Channel{d.event, d.framebuf, d.dirtyRect, d.cursor} {
		if ch == nil {
			continue
		}
		ch.RegisterCallbacks(nil, func() { d.onChannelDisconnect(pverr.ErrTransport) })
	}
	return d
}

// Key returns the display's identifier, as originated by the consumer.
func (d *Display) Key() uint32 { return d.key }

// onChannelDisconnect fires the fatal-error handler through the one-shot
// latch, outside any lock, so a handler that tears the display down does
// not deadlock or recurse.
func (d *Display) onChannelDisconnect(err error) {
	d.latch.Fire(func() {
		if d.fatal != nil {
			d.fatal(d, err)
		}
	})
}

// ChangeResolution updates the stored dimensions and sends SET_DISPLAY on
// the event channel.
func (d *Display) ChangeResolution(width, height, stride uint32) error {
	d.mu.Lock()
	d.width, d.height, d.stride = width, height, stride
	d.mu.Unlock()

	frame, err := wire.Encode(wire.TypeSetDisplay, wire.EncodeSetDisplay(wire.SetDisplay{
		Width: width, Height: height, Stride: stride,
	}))
	if err != nil {
		return err
	}
	return d.event.Send(frame)
}

// InvalidateRegion applies the dirty-rect queue's backpressure policy and
// returns pverr.ErrTryAgain if the channel has no room for even one
// record.
func (d *Display) InvalidateRegion(x, y, w, h uint32) error {
	if d.dirtyQueue == nil {
		return pverr.Wrap(pverr.ErrNotFound, "display: no dirty-rect channel")
	}
	d.mu.Lock()
	width, height := d.width, d.height
	d.mu.Unlock()
	return d.dirtyQueue.Invalidate(x, y, w, h, width, height)
}

// SupportsCursor reports whether this display has a cursor channel.
func (d *Display) SupportsCursor() bool {
	return d.cursor != nil
}

// LoadCursorImage copies src (srcW×srcH, ARGB8888, row-major, 4 bytes per
// pixel) into the fixed 64×64 cursor buffer row by row, zero-filling
// padding columns and the rows past srcH (fully transparent), then sends
// UPDATE_CURSOR to signal fresh content.
func (d *Display) LoadCursorImage(src []byte, srcW, srcH uint32) error {
	if d.cursor == nil {
		return pverr.Wrap(pverr.ErrNotFound, "display: no cursor channel")
	}
	if srcW > pvconfig.CursorWidth || srcH > pvconfig.CursorHeight {
		return pverr.Wrapf(pverr.ErrInvalidArgument,
			"display: cursor source %dx%d exceeds %dx%d", srcW, srcH, pvconfig.CursorWidth, pvconfig.CursorHeight)
	}

	dst := d.cursor.LocalBuffer()
	const bpp = 4
	srcStride := srcW * bpp

	for row := uint32(0); row < pvconfig.CursorHeight; row++ {
		dstRow := dst[row*pvconfig.CursorStride : (row+1)*pvconfig.CursorStride]
		if row >= srcH {
			for i := range dstRow {
				dstRow[i] = 0
			}
			continue
		}
		srcRow := src[row*srcStride : (row+1)*srcStride]
		n := copy(dstRow, srcRow)
		for i := n; i < len(dstRow); i++ {
			dstRow[i] = 0
		}
	}

	return d.sendUpdateCursor()
}

// SetCursorHotspot updates the stored hotspot and sends UPDATE_CURSOR.
func (d *Display) SetCursorHotspot(xh, yh uint32) error {
	if xh > pvconfig.CursorWidth || yh > pvconfig.CursorHeight {
		return pverr.Wrapf(pverr.ErrInvalidArgument, "display: hotspot (%d,%d) out of range", xh, yh)
	}
	d.mu.Lock()
	d.cursorHotX, d.cursorHotY = xh, yh
	d.mu.Unlock()
	return d.sendUpdateCursor()
}

// SetCursorVisibility updates stored visibility and sends UPDATE_CURSOR.
func (d *Display) SetCursorVisibility(visible bool) error {
	d.mu.Lock()
	d.cursorVisible = visible
	d.mu.Unlock()
	return d.sendUpdateCursor()
}

func (d *Display) sendUpdateCursor() error {
	d.mu.Lock()
	u := wire.UpdateCursor{XHot: d.cursorHotX, YHot: d.cursorHotY}
	if d.cursorVisible {
		u.Show = 1
	}
	d.mu.Unlock()

	frame, err := wire.Encode(wire.TypeUpdateCursor, wire.EncodeUpdateCursor(u))
	if err != nil {
		return err
	}
	return d.event.Send(frame)
}

// MoveCursor sends MOVE_CURSOR with coordinates relative to this
// display's framebuffer.
func (d *Display) MoveCursor(x, y uint32) error {
	frame, err := wire.Encode(wire.TypeMoveCursor, wire.EncodeMoveCursor(wire.MoveCursor{X: x, Y: y}))
	if err != nil {
		return err
	}
	return d.event.Send(frame)
}

// BlankDisplay sends BLANK_DISPLAY with a reason selected from the
// (dpms, blank) pair; the fill color is always 0.
func (d *Display) BlankDisplay(dpms, blank bool) error {
	var reason uint32
	switch {
	case dpms && !blank:
		reason = wire.BlankDPMSWake
	case dpms && blank:
		reason = wire.BlankDPMSSleep
	case !dpms && blank:
		reason = wire.BlankModesettingFillEnable
	default:
		reason = wire.BlankModesettingFillDisable
	}
	frame, err := wire.Encode(wire.TypeBlankDisplay, wire.EncodeBlankDisplay(wire.BlankDisplay{Color: 0, Reason: reason}))
	if err != nil {
		return err
	}
	return d.event.Send(frame)
}

// Reconnect re-establishes the display's four channels against the ports
// in req, keeping the existing framebuffer/cursor local buffers. Errors
// on framebuffer/event are fatal; errors on dirty-rect/cursor are logged
// and tolerated, as is a zero port for either.
func (d *Display) Reconnect(ctx context.Context, req AddRequest) error {
	if d.framebuf == nil || d.event == nil {
		return pverr.Wrap(pverr.ErrInvalidArgument, "display: reconnect requires framebuffer and event channels")
	}
	if req.FramebufferPort == 0 || req.EventPort == 0 {
		return pverr.Wrap(pverr.ErrInvalidArgument, "display: reconnect requires nonzero framebuffer/event ports")
	}

	if err := d.framebuf.Reconnect(ctx, d.domain, ivc.Port(req.FramebufferPort)); err != nil {
		return pverr.Wrap(pverr.ErrTransport, "display: framebuffer reconnect failed")
	}
	if err := d.event.Reconnect(ctx, d.domain, ivc.Port(req.EventPort)); err != nil {
		return pverr.Wrap(pverr.ErrTransport, "display: event reconnect failed")
	}

	if d.dirtyRect != nil && req.DirtyRectanglesPort != 0 {
		if err := d.dirtyRect.Reconnect(ctx, d.domain, ivc.Port(req.DirtyRectanglesPort)); err != nil {
			d.logger.Warn().Err(err).Uint32("key", d.key).Msg("dirty-rect channel reconnect failed, tolerating")
		}
	}
	if d.cursor != nil && req.CursorBitmapPort != 0 {
		if err := d.cursor.Reconnect(ctx, d.domain, ivc.Port(req.CursorBitmapPort)); err != nil {
			d.logger.Warn().Err(err).Uint32("key", d.key).Msg("cursor channel reconnect failed, tolerating")
		}
	}
	return nil
}

// Destroy disconnects whichever of the four channels exist. The transport
// contract puts no ordering constraint on teardown, so the four are
// disconnected concurrently. Safe to call more than once.
func (d *Display) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	var wg conc.WaitGroup
	for _, ch := range []ivc.Channel{d.framebuf, d.event, d.dirtyRect, d.cursor} {
		if ch == nil {
			continue
		}
		ch := ch
		wg.Go(func() {
			if err := ch.Disconnect(); err != nil {
				d.logger.Warn().Err(err).Uint32("key", d.key).Msg("channel disconnect failed during destroy")
			}
		})
	}
	wg.Wait()
}
