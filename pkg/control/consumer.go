package control

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/troyc/pv-display-helper/pkg/faultlatch"
	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/pverr"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// ConsumerHandlers are the user callbacks a ConsumerSession dispatches
// decoded control packets to.
type ConsumerHandlers struct {
	OnDriverCapabilities    func(caps wire.DriverCapabilities)
	OnAdvertisedDisplayList func(infos []wire.DisplayInfo)
	OnDisplayNoLongerAvail  func(key uint32)
	OnTextMode              func(mode uint32)
}

// ConsumerSession is the consumer-side control session bound to one
// accepted provider connection.
type ConsumerSession struct {
	logger zerolog.Logger

	channel ivc.Channel
	decoder *wire.Decoder

	mu       sync.Mutex
	state    State
	handlers ConsumerHandlers
	fatal    func(error)
	latch    faultlatch.Latch
}

// Listen opens a listening control server on (port, domain, connID).
// onAccept is invoked once per accepted connection with the raw Channel;
// the caller is expected to call FinishControlConnection on it to bind
// reassembly and callbacks.
func Listen(transport ivc.Transport, port ivc.Port, domain ivc.DomainID, connID ivc.ConnID, onAccept func(ivc.Channel)) (ivc.Listener, error) {
	l, err := transport.Listen(port, domain, connID, onAccept)
	if err != nil {
		return nil, pverr.Wrap(pverr.ErrTransport, "control: listening on control port")
	}
	return l, nil
}

// FinishControlConnection binds reassembly and callbacks to an accepted
// control channel and returns the resulting ConsumerSession in
// StateConnected.
func FinishControlConnection(ch ivc.Channel, fatal func(error), logger zerolog.Logger) *ConsumerSession {
	s := &ConsumerSession{
		logger:  logger,
		channel: ch,
		decoder: wire.NewDecoder(),
		state:   StateConnected,
		fatal:   fatal,
	}
	ch.RegisterCallbacks(s.onData, s.onDisconnect)
	ch.EnableEvents()
	return s
}

// RegisterHandlers replaces the session's handler set.
func (s *ConsumerSession) RegisterHandlers(h ConsumerHandlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// State returns the session's current lifecycle state.
func (s *ConsumerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendHostDisplayList sends HOST_DISPLAY_LIST.
func (s *ConsumerSession) SendHostDisplayList(infos []wire.DisplayInfo) error {
	frame, err := wire.Encode(wire.TypeHostDisplayList, wire.EncodeDisplayList(infos))
	if err != nil {
		return err
	}
	return s.send(frame)
}

// SendAddDisplay sends ADD_DISPLAY for one accepted key.
func (s *ConsumerSession) SendAddDisplay(req wire.AddDisplayRequest) error {
	frame, err := wire.Encode(wire.TypeAddDisplay, wire.EncodeAddDisplay(req))
	if err != nil {
		return err
	}
	return s.send(frame)
}

// SendRemoveDisplay sends REMOVE_DISPLAY.
func (s *ConsumerSession) SendRemoveDisplay(key uint32) error {
	frame, err := wire.Encode(wire.TypeRemoveDisplay, wire.EncodeKey(key))
	if err != nil {
		return err
	}
	return s.send(frame)
}

// Destroy disconnects the control channel and moves the session to
// StateTornDown.
func (s *ConsumerSession) Destroy() {
	s.mu.Lock()
	s.state = StateTornDown
	s.mu.Unlock()
	_ = s.channel.Disconnect()
}

func (s *ConsumerSession) send(frame []byte) error {
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

func (s *ConsumerSession) onData() {
	if err := s.decoder.Pump(channelSource{s.channel}, s.dispatch); err != nil {
		s.fault(err)
	}
}

func (s *ConsumerSession) dispatch(hdr wire.Header, payload []byte) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()

	switch hdr.Type {
	case wire.TypeDriverCapabilities:
		caps, err := wire.DecodeDriverCapabilities(payload)
		if err != nil {
			s.fault(err)
			return
		}
		if h.OnDriverCapabilities != nil {
			h.OnDriverCapabilities(caps)
		}
	case wire.TypeAdvertisedDisplayList:
		infos, err := wire.DecodeDisplayList(payload)
		if err != nil {
			s.fault(err)
			return
		}
		if h.OnAdvertisedDisplayList != nil {
			h.OnAdvertisedDisplayList(infos)
		}
	case wire.TypeDisplayNoLongerAvailable:
		key, err := wire.DecodeKey(payload)
		if err != nil {
			s.fault(err)
			return
		}
		if h.OnDisplayNoLongerAvail != nil {
			h.OnDisplayNoLongerAvail(key)
		}
	case wire.TypeTextMode:
		mode, err := wire.DecodeTextMode(payload)
		if err != nil {
			s.fault(err)
			return
		}
		if h.OnTextMode != nil {
			h.OnTextMode(mode)
		}
	default:
		s.logger.Debug().Uint32("type", hdr.Type).Msg("control: unknown packet type, ignoring")
	}
}

func (s *ConsumerSession) onDisconnect() {
	s.fault(pverr.Wrap(pverr.ErrTransport, "control: channel disconnected"))
}

func (s *ConsumerSession) fault(err error) {
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
