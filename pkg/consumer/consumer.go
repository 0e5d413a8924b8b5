// Package consumer is the top-level consumer-side (host) facade: the
// mirror image of pkg/provider.Provider, composing pkg/control's
// ConsumerSession with a registry of pkg/backend display backends.
package consumer

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/troyc/pv-display-helper/pkg/backend"
	"github.com/troyc/pv-display-helper/pkg/control"
	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/negotiate"
	"github.com/troyc/pv-display-helper/pkg/pverr"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// Handlers are the caller's negotiation callbacks. OnAdvertisedDisplays
// receives only the advertised entries whose keys appeared in the last
// host display list sent; unknown keys are silently dropped.
type Handlers struct {
	OnDriverCapabilities   func(wire.DriverCapabilities)
	OnAdvertisedDisplays   func(infos []wire.DisplayInfo)
	OnDisplayNoLongerAvail func(key uint32)
	OnTextMode             func(mode uint32)
	OnFatal                func(err error)
}

// Consumer is one host-side peer: it listens for a provider's control
// connection and keeps a registry of display backends, keyed by key.
type Consumer struct {
	logger    zerolog.Logger
	transport ivc.Transport
	domain    ivc.DomainID

	listener ivc.Listener
	registry *backend.Registry
	fsm      *negotiate.ConsumerFSM

	mu       sync.Mutex
	session  *control.ConsumerSession
	hostKeys map[uint32]struct{}

	backends *xsync.MapOf[uint32, *backend.Backend]
	onFatal  func(err error)
}

// Listen opens the control listener on (port, domain) and returns a
// ready-to-use Consumer. The provider's connection is accepted
// asynchronously; Session() returns nil until it arrives.
func Listen(transport ivc.Transport, domain ivc.DomainID, port ivc.Port, h Handlers, logger zerolog.Logger) (*Consumer, error) {
	c := &Consumer{
		logger:    logger,
		transport: transport,
		domain:    domain,
		registry:  backend.NewRegistry(),
		fsm:       negotiate.NewConsumerFSM(),
		backends:  xsync.NewMapOf[uint32, *backend.Backend](),
		onFatal:   h.OnFatal,
	}

	l, err := control.Listen(transport, port, domain, ivc.ConnIDAny, func(ch ivc.Channel) {
		session := control.FinishControlConnection(ch, c.onSessionFatal, logger)
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
		_ = c.fsm.Apply(negotiate.EventControlConnected)
		session.RegisterHandlers(control.ConsumerHandlers{
			OnDriverCapabilities: func(caps wire.DriverCapabilities) {
				_ = c.fsm.Apply(negotiate.EventCapabilitiesSent)
				if h.OnDriverCapabilities != nil {
					h.OnDriverCapabilities(caps)
				}
			},
			OnAdvertisedDisplayList: func(infos []wire.DisplayInfo) {
				_ = c.fsm.Apply(negotiate.EventDisplaysAdvertised)
				known := c.filterAdvertised(infos)
				if h.OnAdvertisedDisplays != nil {
					h.OnAdvertisedDisplays(known)
				}
			},
			OnDisplayNoLongerAvail: func(key uint32) {
				if be, ok := c.backends.Load(key); ok {
					c.DestroyBackend(be)
				}
				if h.OnDisplayNoLongerAvail != nil {
					h.OnDisplayNoLongerAvail(key)
				}
			},
			OnTextMode: h.OnTextMode,
		})
	})
	if err != nil {
		return nil, err
	}
	c.listener = l
	c.fsm.Listening()
	return c, nil
}

func (c *Consumer) onSessionFatal(err error) {
	if c.onFatal != nil {
		c.onFatal(err)
	}
}

// Session returns the accepted control session, or nil before the
// provider has connected.
func (c *Consumer) Session() *control.ConsumerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SendDisplayList sends HOST_DISPLAY_LIST and records its keys, so later
// advertised lists can be checked against what was actually offered.
func (c *Consumer) SendDisplayList(infos []wire.DisplayInfo) error {
	session := c.Session()
	if session == nil {
		return pverr.Wrap(pverr.ErrNotFound, "consumer: control session not established")
	}
	if err := session.SendHostDisplayList(infos); err != nil {
		return err
	}
	keys := make(map[uint32]struct{}, len(infos))
	for _, info := range infos {
		keys[info.Key] = struct{}{}
	}
	c.mu.Lock()
	c.hostKeys = keys
	c.mu.Unlock()
	_ = c.fsm.Apply(negotiate.EventHostDisplayList)
	return nil
}

// filterAdvertised drops advertised entries whose key was not in the last
// host display list. A provider may only echo keys it was offered;
// anything else is ignored.
func (c *Consumer) filterAdvertised(infos []wire.DisplayInfo) []wire.DisplayInfo {
	c.mu.Lock()
	keys := c.hostKeys
	c.mu.Unlock()

	known := make([]wire.DisplayInfo, 0, len(infos))
	for _, info := range infos {
		if _, ok := keys[info.Key]; !ok {
			c.logger.Debug().Uint32("key", info.Key).Msg("advertised display key not in host list, ignoring")
			continue
		}
		known = append(known, info)
	}
	return known
}

// AddDisplay sends ADD_DISPLAY and starts the backend's four listening
// servers, ready to accept the provider's four channel connections.
func (c *Consumer) AddDisplay(ctx context.Context, req wire.AddDisplayRequest) (*backend.Backend, error) {
	session := c.Session()
	if session == nil {
		return nil, pverr.Wrap(pverr.ErrNotFound, "consumer: control session not established")
	}

	be := backend.New(req.Key, c.onBackendFatal, c.logger)

	if _, err := backend.StartServers(ctx, c.transport, c.registry, c.domain,
		ivc.Port(req.EventPort), ivc.Port(req.FramebufferPort),
		ivc.Port(req.DirtyRectanglesPort), ivc.Port(req.CursorBitmapPort), be); err != nil {
		return nil, err
	}

	if err := session.SendAddDisplay(req); err != nil {
		be.Destroy()
		be.CloseServers()
		return nil, err
	}

	c.backends.Store(req.Key, be)
	_ = c.fsm.Apply(negotiate.EventAddDisplay)
	return be, nil
}

func (c *Consumer) onBackendFatal(key uint32, err error) {
	c.backends.Delete(key)
	if c.onFatal != nil {
		c.onFatal(err)
	}
}

// RemoveDisplay sends REMOVE_DISPLAY and destroys the backend.
func (c *Consumer) RemoveDisplay(key uint32) error {
	session := c.Session()
	if session == nil {
		return pverr.Wrap(pverr.ErrNotFound, "consumer: control session not established")
	}
	if be, ok := c.backends.Load(key); ok {
		c.DestroyBackend(be)
	}
	if err := session.SendRemoveDisplay(key); err != nil {
		return err
	}
	_ = c.fsm.Apply(negotiate.EventRemoveDisplay)
	return nil
}

// DestroyBackend disconnects be's channels, then shuts down its listening
// servers and evicts them from the registry, so a later backend on the
// same ports starts from fresh listeners.
func (c *Consumer) DestroyBackend(be *backend.Backend) {
	c.backends.Delete(be.Key())
	be.Destroy()
	be.CloseServers()
}

// Step returns the consumer's current negotiation step.
func (c *Consumer) Step() negotiate.ConsumerStep {
	return c.fsm.Step()
}

// Destroy tears down every registered backend and its listening servers,
// the control session, and the control listener.
func (c *Consumer) Destroy() {
	c.backends.Range(func(key uint32, be *backend.Backend) bool {
		be.Destroy()
		be.CloseServers()
		c.backends.Delete(key)
		return true
	})
	c.registry.CloseAll()
	if session := c.Session(); session != nil {
		session.Destroy()
	}
	if c.listener != nil {
		_ = c.listener.Close()
	}
}
