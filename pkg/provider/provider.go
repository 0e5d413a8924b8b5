// Package provider is the top-level provider-side (guest) facade. It
// composes pkg/control's ProviderSession with pkg/display's per-display
// objects and pkg/negotiate's handshake tracking, so callers work against
// one object instead of wiring the lower packages together themselves.
package provider

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/troyc/pv-display-helper/pkg/control"
	"github.com/troyc/pv-display-helper/pkg/display"
	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/negotiate"
	"github.com/troyc/pv-display-helper/pkg/pvconfig"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// Handlers are the caller's negotiation callbacks.
type Handlers struct {
	OnHostDisplayList func(infos []wire.DisplayInfo)
	OnAddDisplay      func(req wire.AddDisplayRequest)
	OnRemoveDisplay   func(key uint32)
	OnFatal           func(err error)
}

// Provider is one guest-side peer: it owns a control session to one
// consumer and a registry of accepted Displays, keyed by display key.
type Provider struct {
	logger  zerolog.Logger
	session *control.ProviderSession
	fsm     *negotiate.ProviderFSM

	transport ivc.Transport
	domain    ivc.DomainID
	cfg       pvconfig.Config

	displays *xsync.MapOf[uint32, *display.Display]
	onFatal  func(err error)
}

// Create connects the control channel to (domain, port) and returns a
// ready-to-use Provider.
func Create(ctx context.Context, transport ivc.Transport, domain ivc.DomainID, port ivc.Port, cfg pvconfig.Config, h Handlers, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{
		logger:    logger,
		fsm:       negotiate.NewProviderFSM(),
		transport: transport,
		domain:    domain,
		cfg:       cfg,
		displays:  xsync.NewMapOf[uint32, *display.Display](),
		onFatal:   h.OnFatal,
	}

	session, err := control.CreateProvider(ctx, transport, domain, port, 0, cfg, p.onSessionFatal, logger)
	if err != nil {
		return nil, err
	}
	p.session = session
	_ = p.fsm.Apply(negotiate.EventControlConnected)

	session.RegisterHandlers(control.ProviderHandlers{
		OnHostDisplayList: func(infos []wire.DisplayInfo) {
			_ = p.fsm.Apply(negotiate.EventHostDisplayList)
			if h.OnHostDisplayList != nil {
				h.OnHostDisplayList(infos)
			}
		},
		OnAddDisplay: func(req wire.AddDisplayRequest) {
			_ = p.fsm.Apply(negotiate.EventAddDisplay)
			if h.OnAddDisplay != nil {
				h.OnAddDisplay(req)
			}
		},
		OnRemoveDisplay: func(key uint32) {
			_ = p.fsm.Apply(negotiate.EventRemoveDisplay)
			if d, ok := p.displays.Load(key); ok {
				p.DestroyDisplay(d)
			}
			if h.OnRemoveDisplay != nil {
				h.OnRemoveDisplay(key)
			}
		},
	})

	return p, nil
}

func (p *Provider) onSessionFatal(err error) {
	if p.onFatal != nil {
		p.onFatal(err)
	}
}

// AdvertiseCapabilities registers the given capability bits and sends
// DRIVER_CAPABILITIES.
func (p *Provider) AdvertiseCapabilities(maxDisplays uint32, caps uint32) error {
	p.session.AddCapability(caps)
	if err := p.session.AdvertiseCapabilities(maxDisplays); err != nil {
		return err
	}
	_ = p.fsm.Apply(negotiate.EventCapabilitiesSent)
	return nil
}

// AdvertiseDisplays sends ADVERTISED_DISPLAY_LIST.
func (p *Provider) AdvertiseDisplays(infos []wire.DisplayInfo) error {
	if err := p.session.AdvertiseDisplays(infos); err != nil {
		return err
	}
	_ = p.fsm.Apply(negotiate.EventDisplaysAdvertised)
	return nil
}

// CreateDisplay opens the four channels for req and registers the
// resulting Display in this Provider's registry, keyed by req.Key.
func (p *Provider) CreateDisplay(ctx context.Context, req wire.AddDisplayRequest, width, height, stride uint32, initialContents []byte) (*display.Display, error) {
	open := func(ctx context.Context, port ivc.Port, pages int) (ivc.Channel, error) {
		return p.transport.Connect(ctx, p.domain, port, pages, 0)
	}

	d, err := p.session.CreateDisplay(ctx, req, width, height, stride, initialContents, open, p.onDisplayFatal)
	if err != nil {
		return nil, err
	}
	p.displays.Store(req.Key, d)
	_ = p.fsm.Apply(negotiate.EventChannelsConnected)
	return d, nil
}

func (p *Provider) onDisplayFatal(d *display.Display, err error) {
	p.displays.Delete(d.Key())
	if p.onFatal != nil {
		p.onFatal(err)
	}
}

// SendSetDisplay is a convenience wrapping Display.ChangeResolution that
// also advances the FSM to ProviderStepSetDisplaySent, for callers that
// want FSM observability without driving pkg/display directly.
func (p *Provider) SendSetDisplay(d *display.Display, width, height, stride uint32) error {
	if err := d.ChangeResolution(width, height, stride); err != nil {
		return err
	}
	_ = p.fsm.Apply(negotiate.EventSetDisplaySent)
	return nil
}

// DestroyDisplay sends DISPLAY_NO_LONGER_AVAILABLE and releases d.
func (p *Provider) DestroyDisplay(d *display.Display) {
	p.displays.Delete(d.Key())
	p.session.DestroyDisplay(d)
}

// ForceTextMode sends TEXT_MODE.
func (p *Provider) ForceTextMode(on bool) error {
	return p.session.ForceTextMode(on)
}

// Step returns the provider's current negotiation step, for tests and
// diagnostics.
func (p *Provider) Step() negotiate.ProviderStep {
	return p.fsm.Step()
}

// Destroy tears down every registered display, then the control session.
func (p *Provider) Destroy() {
	p.displays.Range(func(key uint32, d *display.Display) bool {
		d.Destroy()
		p.displays.Delete(key)
		return true
	})
	p.session.Destroy()
}
