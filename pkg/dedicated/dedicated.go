// Package dedicated is the dedicated display provider: a thin wrapper
// over pkg/provider.Provider for the common case of a single guest
// display connecting to a fixed control port, with no display-list
// negotiation of its own.
package dedicated

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/provider"
	"github.com/troyc/pv-display-helper/pkg/pvconfig"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// Provider forwards every operation to the core pkg/provider.Provider;
// it exists only to expose the narrower dedicated surface
// (advertise displays, fatal-error handling, destroy) instead of the
// full provider interface.
type Provider struct {
	core *provider.Provider
}

// Create connects the control channel to (displayDomain, controlPort) and
// returns a dedicated Provider, forwarding to pkg/provider.Create with the
// default ring-buffer page configuration.
func Create(ctx context.Context, transport ivc.Transport, displayDomain ivc.DomainID, controlPort uint16, onFatal func(error), logger zerolog.Logger) (*Provider, error) {
	core, err := provider.Create(ctx, transport, displayDomain, ivc.Port(controlPort), pvconfig.Default(), provider.Handlers{
		OnFatal: onFatal,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Provider{core: core}, nil
}

// AdvertiseDisplays forwards to the core provider.
func (p *Provider) AdvertiseDisplays(displays []wire.DisplayInfo) error {
	return p.core.AdvertiseDisplays(displays)
}

// Destroy forwards to the core provider.
func (p *Provider) Destroy() {
	p.core.Destroy()
}
