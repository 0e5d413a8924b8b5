// Package backend implements the consumer-side Display Backend: the
// per-display handle built from four accepted inbound connections that
// mirror the provider's four outgoing ones.
package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/troyc/pv-display-helper/pkg/faultlatch"
	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/pverr"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// EventHandlers are the user callbacks a Backend dispatches decoded event
// packets and dirty-rect records to.
type EventHandlers struct {
	OnSetDisplay   func(wire.SetDisplay)
	OnUpdateCursor func(wire.UpdateCursor)
	OnMoveCursor   func(wire.MoveCursor)
	OnBlankDisplay func(wire.BlankDisplay)
	OnDirtyRect    func(wire.DirtyRect)
}

// Backend is the consumer-side handle for one display: it owns four
// accepted channels and exposes the guest's framebuffer/cursor local
// buffers. Writes to those buffers are undefined; the guest owns them.
type Backend struct {
	logger zerolog.Logger
	key    uint32

	mu        sync.Mutex
	event     ivc.Channel
	framebuf  ivc.Channel
	dirtyRect ivc.Channel
	cursor    ivc.Channel

	eventDecoder *wire.Decoder
	handlers     EventHandlers

	reg     *Registry
	domain  ivc.DomainID
	ports   [4]ivc.Port
	servers *Listeners

	fatal     func(key uint32, err error)
	latch     faultlatch.Latch
	destroyed atomic.Bool
}

// Listeners bundles the four listening servers a started Backend owns, so
// a consumer teardown can shut them all down together.
type Listeners struct {
	Event, Framebuf, DirtyRect, Cursor ivc.Listener
}

type registryKey struct {
	domain ivc.DomainID
	port   ivc.Port
}

// Registry pairs (domain, port) with an already-open ivc.Listener, so
// that repeated StartServers calls on the same pair reuse one listener
// instead of opening a second. Each consumer owns one Registry; entries
// are closed and evicted when the owning backend shuts its servers down.
type Registry struct {
	listeners *xsync.MapOf[registryKey, ivc.Listener]
}

// NewRegistry returns an empty listener registry.
func NewRegistry() *Registry {
	return &Registry{listeners: xsync.NewMapOf[registryKey, ivc.Listener]()}
}

func (r *Registry) listen(transport ivc.Transport, domain ivc.DomainID, port ivc.Port, onConnect func(ivc.Channel)) (ivc.Listener, error) {
	key := registryKey{domain, port}
	if existing, ok := r.listeners.Load(key); ok {
		return existing, nil
	}
	l, err := transport.Listen(port, domain, ivc.ConnIDAny, onConnect)
	if err != nil {
		return nil, pverr.Wrap(pverr.ErrTransport, "backend: opening listener")
	}
	r.listeners.Store(key, l)
	return l, nil
}

func (r *Registry) evict(domain ivc.DomainID, port ivc.Port) {
	if l, ok := r.listeners.LoadAndDelete(registryKey{domain, port}); ok {
		_ = l.Close()
	}
}

// CloseAll closes and evicts every listener still registered.
func (r *Registry) CloseAll() {
	r.listeners.Range(func(key registryKey, l ivc.Listener) bool {
		_ = l.Close()
		r.listeners.Delete(key)
		return true
	})
}

// New builds an unconnected backend for key, ready to have its four
// channels bound as they arrive via StartServers.
func New(key uint32, fatal func(key uint32, err error), logger zerolog.Logger) *Backend {
	return &Backend{
		key:          key,
		logger:       logger,
		eventDecoder: wire.NewDecoder(),
		fatal:        fatal,
	}
}

// Key returns the display key this backend was created for.
func (b *Backend) Key() uint32 { return b.key }

// Servers returns the backend's listening servers, or nil before
// StartServers has run or after CloseServers has shut them down.
func (b *Backend) Servers() *Listeners {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servers
}

// StartServers opens (or reuses, via reg) listening servers for the
// backend's event, framebuffer, dirty-rect and cursor ports. A zero
// dirty-rect or cursor port means that channel was not negotiated. As the
// provider's connections arrive, each is bound to the backend and its
// callbacks. The opened servers are recorded on b so CloseServers can
// shut them down later.
func StartServers(ctx context.Context, transport ivc.Transport, reg *Registry, domain ivc.DomainID, eventPort, fbPort, drPort, curPort ivc.Port, b *Backend) (*Listeners, error) {
	var opened []ivc.Port
	rollback := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			reg.evict(domain, opened[i])
		}
	}

	eventL, err := reg.listen(transport, domain, eventPort, b.finishEventConnection)
	if err != nil {
		return nil, err
	}
	opened = append(opened, eventPort)

	fbL, err := reg.listen(transport, domain, fbPort, b.finishFramebufferConnection)
	if err != nil {
		rollback()
		return nil, err
	}
	opened = append(opened, fbPort)

	var drL, curL ivc.Listener
	if drPort != 0 {
		drL, err = reg.listen(transport, domain, drPort, b.finishDirtyRectConnection)
		if err != nil {
			rollback()
			return nil, err
		}
		opened = append(opened, drPort)
	}
	if curPort != 0 {
		curL, err = reg.listen(transport, domain, curPort, b.finishCursorConnection)
		if err != nil {
			rollback()
			return nil, err
		}
	}

	servers := &Listeners{Event: eventL, Framebuf: fbL, DirtyRect: drL, Cursor: curL}
	b.mu.Lock()
	b.reg = reg
	b.domain = domain
	b.ports = [4]ivc.Port{eventPort, fbPort, drPort, curPort}
	b.servers = servers
	b.mu.Unlock()
	return servers, nil
}

// CloseServers shuts down the backend's listening servers and evicts them
// from the registry, so a rebuilt backend on the same ports opens fresh
// listeners. Safe to call more than once.
func (b *Backend) CloseServers() {
	b.mu.Lock()
	reg := b.reg
	domain := b.domain
	ports := b.ports
	b.reg = nil
	b.servers = nil
	b.mu.Unlock()
	if reg == nil {
		return
	}
	for _, port := range ports {
		if port != 0 {
			reg.evict(domain, port)
		}
	}
}

func (b *Backend) finishEventConnection(ch ivc.Channel) {
	b.mu.Lock()
	b.event = ch
	b.mu.Unlock()
	ch.RegisterCallbacks(b.onEventData, b.onChannelDisconnect)
	ch.EnableEvents()
}

func (b *Backend) finishFramebufferConnection(ch ivc.Channel) {
	b.mu.Lock()
	b.framebuf = ch
	b.mu.Unlock()
	ch.RegisterCallbacks(nil, b.onChannelDisconnect)
	ch.EnableEvents()
}

func (b *Backend) finishDirtyRectConnection(ch ivc.Channel) {
	b.mu.Lock()
	b.dirtyRect = ch
	b.mu.Unlock()
	ch.RegisterCallbacks(b.onDirtyRectData, b.onChannelDisconnect)
	ch.EnableEvents()
}

func (b *Backend) finishCursorConnection(ch ivc.Channel) {
	b.mu.Lock()
	b.cursor = ch
	b.mu.Unlock()
	ch.RegisterCallbacks(nil, b.onChannelDisconnect)
	ch.EnableEvents()
}

// RegisterHandlers replaces the backend's event-dispatch handler set.
func (b *Backend) RegisterHandlers(h EventHandlers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = h
}

// FramebufferBuffer returns the guest's shared framebuffer local buffer,
// or nil if the framebuffer channel has not connected yet.
func (b *Backend) FramebufferBuffer() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.framebuf == nil {
		return nil
	}
	return b.framebuf.LocalBuffer()
}

// CursorBuffer returns the guest's shared cursor local buffer, or nil if
// no cursor channel was negotiated or it has not connected yet.
func (b *Backend) CursorBuffer() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursor == nil {
		return nil
	}
	return b.cursor.LocalBuffer()
}

func (b *Backend) onEventData() {
	b.mu.Lock()
	ch := b.event
	b.mu.Unlock()
	if ch == nil {
		return
	}
	if err := b.eventDecoder.Pump(channelSource{ch}, b.dispatchEvent); err != nil {
		b.fault(err)
	}
}

func (b *Backend) dispatchEvent(hdr wire.Header, payload []byte) {
	b.mu.Lock()
	h := b.handlers
	b.mu.Unlock()

	switch hdr.Type {
	case wire.TypeSetDisplay:
		v, err := wire.DecodeSetDisplay(payload)
		if err != nil {
			b.fault(err)
			return
		}
		// ARGB8888 is 4 bytes per pixel; a stride below width*4 cannot
		// describe a valid framebuffer row.
		if v.Stride < v.Width*4 {
			b.logger.Warn().
				Uint32("key", b.key).
				Uint32("width", v.Width).
				Uint32("stride", v.Stride).
				Msg("backend: set_display stride below width*4, ignoring")
			return
		}
		if h.OnSetDisplay != nil {
			h.OnSetDisplay(v)
		}
	case wire.TypeUpdateCursor:
		v, err := wire.DecodeUpdateCursor(payload)
		if err != nil {
			b.fault(err)
			return
		}
		if h.OnUpdateCursor != nil {
			h.OnUpdateCursor(v)
		}
	case wire.TypeMoveCursor:
		v, err := wire.DecodeMoveCursor(payload)
		if err != nil {
			b.fault(err)
			return
		}
		if h.OnMoveCursor != nil {
			h.OnMoveCursor(v)
		}
	case wire.TypeBlankDisplay:
		v, err := wire.DecodeBlankDisplay(payload)
		if err != nil {
			b.fault(err)
			return
		}
		if h.OnBlankDisplay != nil {
			h.OnBlankDisplay(v)
		}
	default:
		b.logger.Debug().Uint32("type", hdr.Type).Msg("backend: unknown event type, ignoring")
	}
}

// onDirtyRectData drains the raw, unframed dirty-rect channel in a loop
// of exact 16-byte reads until fewer than 16 bytes remain.
func (b *Backend) onDirtyRectData() {
	b.mu.Lock()
	ch := b.dirtyRect
	h := b.handlers
	b.mu.Unlock()
	if ch == nil {
		return
	}

	for {
		avail, err := ch.AvailableData()
		if err != nil {
			b.fault(err)
			return
		}
		if avail < wire.DirtyRectLen {
			return
		}
		buf := make([]byte, wire.DirtyRectLen)
		if _, err := ch.Recv(buf); err != nil {
			b.fault(err)
			return
		}
		rect, err := wire.DecodeDirtyRect(buf)
		if err != nil {
			b.fault(err)
			return
		}
		if h.OnDirtyRect != nil {
			h.OnDirtyRect(rect)
		}
	}
}

func (b *Backend) onChannelDisconnect() {
	b.fault(pverr.Wrap(pverr.ErrTransport, "backend: channel disconnected"))
}

func (b *Backend) fault(err error) {
	b.latch.Fire(func() {
		if b.fatal != nil {
			b.fatal(b.key, err)
		}
	})
}

// Destroy disconnects whichever of the four channels have connected. The
// transport contract puts no ordering constraint on teardown, so they are
// disconnected concurrently. Safe to call more than once.
func (b *Backend) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	channels := []ivc.Channel{b.framebuf, b.event, b.dirtyRect, b.cursor}
	b.mu.Unlock()

	var wg conc.WaitGroup
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		ch := ch
		wg.Go(func() {
			if err := ch.Disconnect(); err != nil {
				b.logger.Warn().Err(err).Uint32("key", b.key).Msg("channel disconnect failed during destroy")
			}
		})
	}
	wg.Wait()
}

// channelSource adapts an ivc.Channel to wire.Source.
type channelSource struct {
	ch ivc.Channel
}

func (c channelSource) AvailableData() (int, error)  { return c.ch.AvailableData() }
func (c channelSource) Recv(buf []byte) (int, error) { return c.ch.Recv(buf) }
