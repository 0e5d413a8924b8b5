// Package control implements the control-channel session on both peer
// roles: the provider's ProviderSession advertises capabilities and
// displays and handles add/remove requests from the consumer; the
// consumer's ConsumerSession (consumer.go) is the mirror image, bound to
// the connection the consumer's control listener accepted.
package control

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/troyc/pv-display-helper/pkg/display"
	"github.com/troyc/pv-display-helper/pkg/faultlatch"
	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/pverr"
	"github.com/troyc/pv-display-helper/pkg/pvconfig"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// State is a control session's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateFaulted
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// ProviderHandlers are the user callbacks a ProviderSession dispatches
// decoded control packets to. A nil handler silently drops matching
// events; registering again replaces the previous handler.
type ProviderHandlers struct {
	OnHostDisplayList func(infos []wire.DisplayInfo)
	OnAddDisplay      func(req wire.AddDisplayRequest)
	OnRemoveDisplay   func(key uint32)
}

// ProviderSession is the provider-side control session: it owns the
// control channel connection to one consumer and tracks the incrementally
// built capability bitmap.
type ProviderSession struct {
	logger zerolog.Logger
	cfg    pvconfig.Config

	domain ivc.DomainID
	port   ivc.Port
	connID ivc.ConnID

	channel ivc.Channel
	decoder *wire.Decoder

	mu       sync.Mutex
	state    State
	caps     uint32
	handlers ProviderHandlers
	fatal    func(error)
	latch    faultlatch.Latch
}

// CreateProvider connects the control channel (allocating
// cfg.ControlRingPages, 1 by default) and returns a ProviderSession in
// StateConnected.
func CreateProvider(ctx context.Context, transport ivc.Transport, domain ivc.DomainID, port ivc.Port, connID ivc.ConnID, cfg pvconfig.Config, fatal func(error), logger zerolog.Logger) (*ProviderSession, error) {
	ch, err := transport.Connect(ctx, domain, port, int(cfg.ControlRingPages), connID)
	if err != nil {
		return nil, pverr.Wrap(pverr.ErrTransport, "control: connecting control channel")
	}

	s := &ProviderSession{
		logger:  logger,
		cfg:     cfg,
		domain:  domain,
		port:    port,
		connID:  connID,
		channel: ch,
		decoder: wire.NewDecoder(),
		state:   StateConnected,
		fatal:   fatal,
	}

	ch.RegisterCallbacks(s.onData, s.onDisconnect)
	ch.EnableEvents()
	return s, nil
}

// RegisterHandlers replaces the session's handler set.
func (s *ProviderSession) RegisterHandlers(h ProviderHandlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// State returns the session's current lifecycle state.
func (s *ProviderSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddCapability OR's bit into the session's capability bitmap, to be sent
// on the next AdvertiseCapabilities call. The bitmap is built up
// incrementally as the caller registers the corresponding handlers
// (resize, hotplug, LFB, hardware cursor, reconnect, blanking) rather
// than supplied wholesale.
func (s *ProviderSession) AddCapability(bit uint32) {
	s.mu.Lock()
	s.caps |= bit
	s.mu.Unlock()
}

// AdvertiseCapabilities sends DRIVER_CAPABILITIES with the accumulated
// capability bitmap.
func (s *ProviderSession) AdvertiseCapabilities(maxDisplays uint32) error {
	s.mu.Lock()
	caps := s.caps
	s.mu.Unlock()

	frame, err := wire.Encode(wire.TypeDriverCapabilities, wire.EncodeDriverCapabilities(maxDisplays, caps))
	if err != nil {
		return err
	}
	return s.send(frame)
}

// AdvertiseDisplays sends ADVERTISED_DISPLAY_LIST.
func (s *ProviderSession) AdvertiseDisplays(infos []wire.DisplayInfo) error {
	frame, err := wire.Encode(wire.TypeAdvertisedDisplayList, wire.EncodeDisplayList(infos))
	if err != nil {
		return err
	}
	return s.send(frame)
}

// ForceTextMode sends TEXT_MODE.
func (s *ProviderSession) ForceTextMode(on bool) error {
	mode := wire.TextModeDisabled
	if on {
		mode = wire.TextModeEnabled
	}
	frame, err := wire.Encode(wire.TypeTextMode, wire.EncodeTextMode(mode))
	if err != nil {
		return err
	}
	return s.send(frame)
}

// DisplayOpener opens one of a display's four channels; CreateDisplay
// calls it once per channel, framebuffer first, then event, then the
// optional dirty-rect and cursor channels.
type DisplayOpener func(ctx context.Context, port ivc.Port, pages int) (ivc.Channel, error)

// CreateDisplay validates the add request, opens the display's channels
// (dirty-rect and cursor only if their ports are nonzero), optionally
// copies initialContents into the shared framebuffer, and returns the
// assembled Display. Partial failure tears down any channels already
// opened and returns the first error.
func (s *ProviderSession) CreateDisplay(ctx context.Context, req wire.AddDisplayRequest, width, height, stride uint32, initialContents []byte, open DisplayOpener, fatal display.FatalHandler) (*display.Display, error) {
	if req.FramebufferPort == 0 || req.EventPort == 0 {
		return nil, pverr.Wrap(pverr.ErrInvalidArgument, "control: add_display requires nonzero framebuffer and event ports")
	}

	var opened []ivc.Channel
	rollback := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].Disconnect()
		}
	}

	fbPages := int(pvconfig.FramebufferRingPages(stride * height))
	fb, err := open(ctx, ivc.Port(req.FramebufferPort), fbPages)
	if err != nil {
		return nil, pverr.Wrap(pverr.ErrTransport, "control: opening framebuffer channel")
	}
	opened = append(opened, fb)

	event, err := open(ctx, ivc.Port(req.EventPort), int(s.cfg.EventRingPages))
	if err != nil {
		rollback()
		return nil, pverr.Wrap(pverr.ErrTransport, "control: opening event channel")
	}
	opened = append(opened, event)

	var dirtyRect ivc.Channel
	if req.DirtyRectanglesPort != 0 {
		dirtyRect, err = open(ctx, ivc.Port(req.DirtyRectanglesPort), int(s.cfg.DirtyRectRingPages))
		if err != nil {
			rollback()
			return nil, pverr.Wrap(pverr.ErrTransport, "control: opening dirty-rect channel")
		}
		opened = append(opened, dirtyRect)
	}

	var cursor ivc.Channel
	if req.CursorBitmapPort != 0 {
		cursor, err = open(ctx, ivc.Port(req.CursorBitmapPort), int(pvconfig.CursorRingPages()))
		if err != nil {
			rollback()
			return nil, pverr.Wrap(pverr.ErrTransport, "control: opening cursor channel")
		}
		opened = append(opened, cursor)
	}

	if initialContents != nil {
		copy(fb.LocalBuffer(), initialContents)
	}

	d := display.New(display.Config{
		Key: req.Key, Domain: s.domain, Width: width, Height: height, Stride: stride,
		Event: event, Framebuf: fb, DirtyRect: dirtyRect, Cursor: cursor,
		Fatal: fatal, Logger: s.logger,
	})
	return d, nil
}

// DestroyDisplay sends DISPLAY_NO_LONGER_AVAILABLE (best-effort; a failure
// is logged, not propagated) then tells d to release its channels.
func (s *ProviderSession) DestroyDisplay(d *display.Display) {
	frame, err := wire.Encode(wire.TypeDisplayNoLongerAvailable, wire.EncodeKey(d.Key()))
	if err == nil {
		if err := s.send(frame); err != nil {
			s.logger.Warn().Err(err).Uint32("key", d.Key()).Msg("display_no_longer_available send failed, continuing teardown")
		}
	}
	d.Destroy()
}

// Destroy disconnects the control channel and moves the session to
// StateTornDown.
func (s *ProviderSession) Destroy() {
	s.mu.Lock()
	s.state = StateTornDown
	s.mu.Unlock()
	_ = s.channel.Disconnect()
}

func (s *ProviderSession) send(frame []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateConnected {
		return pverr.Wrap(pverr.ErrNotFound, "control: session not connected")
	}
	if err := s.channel.Send(frame); err != nil {
		return pverr.Wrap(pverr.ErrTransport, "control: send failed")
	}
	return nil
}

func (s *ProviderSession) onData() {
	if err := s.decoder.Pump(channelSource{s.channel}, s.dispatch); err != nil {
		s.fault(err)
	}
}

func (s *ProviderSession) dispatch(hdr wire.Header, payload []byte) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()

	switch hdr.Type {
	case wire.TypeHostDisplayList:
		infos, err := wire.DecodeDisplayList(payload)
		if err != nil {
			s.fault(err)
			return
		}
		if h.OnHostDisplayList != nil {
			h.OnHostDisplayList(infos)
		}
	case wire.TypeAddDisplay:
		req, err := wire.DecodeAddDisplay(payload)
		if err != nil {
			s.fault(err)
			return
		}
		if h.OnAddDisplay != nil {
			h.OnAddDisplay(req)
		}
	case wire.TypeRemoveDisplay:
		key, err := wire.DecodeKey(payload)
		if err != nil {
			s.fault(err)
			return
		}
		if h.OnRemoveDisplay != nil {
			h.OnRemoveDisplay(key)
		}
	default:
		s.logger.Debug().Uint32("type", hdr.Type).Msg("control: unknown packet type, ignoring")
	}
}

func (s *ProviderSession) onDisconnect() {
	s.fault(pverr.Wrap(pverr.ErrTransport, "control: channel disconnected"))
}

func (s *ProviderSession) fault(err error) {
	s.mu.Lock()
	if s.state == StateFaulted || s.state == StateTornDown {
		s.mu.Unlock()
		return
	}
	s.state = StateFaulted
	fatal := s.fatal
	s.mu.Unlock()

	s.latch.Fire(func() {
		if fatal != nil {
			fatal(err)
		}
	})
}

// channelSource adapts an ivc.Channel to wire.Source.
type channelSource struct {
	ch ivc.Channel
}

func (c channelSource) AvailableData() (int, error)  { return c.ch.AvailableData() }
func (c channelSource) Recv(buf []byte) (int, error) { return c.ch.Recv(buf) }
