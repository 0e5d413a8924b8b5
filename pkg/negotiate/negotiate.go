// Package negotiate expresses the eight-step provider/consumer handshake
// and its two re-entry points as explicit state machines, independent of
// transport and wire details, so pkg/provider and pkg/consumer can drive
// (and tests can assert against) negotiation progress without coupling to
// the control/backend packages' internals.
package negotiate

import "fmt"

// ProviderStep enumerates the provider's position in the handshake
// (roles: D = provider/driver, H = consumer/host).
type ProviderStep int

const (
	ProviderStepInit ProviderStep = iota
	ProviderStepControlConnected      // step 2: D connects control
	ProviderStepCapabilitiesSent      // step 3: D -> H DRIVER_CAPABILITIES
	ProviderStepHostListReceived      // step 4: H -> D HOST_DISPLAY_LIST
	ProviderStepDisplaysAdvertised    // step 5: D -> H ADVERTISED_DISPLAY_LIST
	ProviderStepAddReceived           // step 6: H -> D ADD_DISPLAY (per key)
	ProviderStepChannelsConnected     // step 7: D connects event/fb/dr/cursor
	ProviderStepSetDisplaySent        // step 8: D -> H SET_DISPLAY
)

// ConsumerStep enumerates the consumer's position in the handshake.
type ConsumerStep int

const (
	ConsumerStepInit ConsumerStep = iota
	ConsumerStepListening      // step 1: H listens on control port
	ConsumerStepControlAccepted
	ConsumerStepCapabilitiesReceived
	ConsumerStepHostListSent
	ConsumerStepDisplaysAdvertisedReceived
	ConsumerStepAddSent
	ConsumerStepChannelsAccepted
	ConsumerStepSetDisplayReceived
)

// Event names the transitions ProviderFSM/ConsumerFSM accept. They mirror
// the handshake's packet types and connection events.
type Event int

const (
	EventControlConnected Event = iota
	EventCapabilitiesSent
	EventHostDisplayList
	EventDisplaysAdvertised
	EventAddDisplay
	EventChannelsConnected
	EventSetDisplaySent
	EventRemoveDisplay // re-entry: restarts at step 6
	EventHostListRestart // re-entry: restarts at step 4
)

// ErrInvalidTransition is returned when an event is not valid from the
// FSM's current step.
type ErrInvalidTransition struct {
	From interface{}
	Evt  Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("negotiate: invalid transition from %v on event %v", e.From, e.Evt)
}

// ProviderFSM tracks one provider-side handshake's progress.
type ProviderFSM struct {
	step ProviderStep
}

// NewProviderFSM returns a ProviderFSM at ProviderStepInit.
func NewProviderFSM() *ProviderFSM { return &ProviderFSM{} }

// Step returns the FSM's current step.
func (f *ProviderFSM) Step() ProviderStep { return f.step }

// Apply advances the FSM on evt, or returns an error if evt is not valid
// from the current step. Two re-entry points exist once channels are up:
// a HostDisplayList event restarts the handshake at step 4 (host-side
// hot-plug), and an AddDisplay or RemoveDisplay event restarts it at
// step 6.
func (f *ProviderFSM) Apply(evt Event) error {
	switch evt {
	case EventControlConnected:
		if f.step != ProviderStepInit {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ProviderStepControlConnected
	case EventCapabilitiesSent:
		if f.step != ProviderStepControlConnected {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ProviderStepCapabilitiesSent
	case EventHostDisplayList, EventHostListRestart:
		if f.step != ProviderStepCapabilitiesSent && f.step < ProviderStepChannelsConnected {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ProviderStepHostListReceived
	case EventDisplaysAdvertised:
		if f.step != ProviderStepHostListReceived {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ProviderStepDisplaysAdvertised
	case EventAddDisplay, EventRemoveDisplay:
		if f.step != ProviderStepDisplaysAdvertised && f.step < ProviderStepChannelsConnected {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ProviderStepAddReceived
	case EventChannelsConnected:
		if f.step != ProviderStepAddReceived {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ProviderStepChannelsConnected
	case EventSetDisplaySent:
		if f.step != ProviderStepChannelsConnected {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ProviderStepSetDisplaySent
	default:
		return &ErrInvalidTransition{f.step, evt}
	}
	return nil
}

// ConsumerFSM tracks one consumer-side handshake's progress.
type ConsumerFSM struct {
	step ConsumerStep
}

// NewConsumerFSM returns a ConsumerFSM at ConsumerStepInit.
func NewConsumerFSM() *ConsumerFSM { return &ConsumerFSM{} }

// Step returns the FSM's current step.
func (f *ConsumerFSM) Step() ConsumerStep { return f.step }

// Apply advances the FSM on evt, or returns an error if evt is not valid
// from the current step.
func (f *ConsumerFSM) Apply(evt Event) error {
	switch evt {
	case EventControlConnected:
		if f.step != ConsumerStepInit && f.step != ConsumerStepListening {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ConsumerStepControlAccepted
	case EventCapabilitiesSent:
		if f.step != ConsumerStepControlAccepted {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ConsumerStepCapabilitiesReceived
	case EventHostDisplayList, EventHostListRestart:
		if f.step != ConsumerStepCapabilitiesReceived && f.step < ConsumerStepChannelsAccepted {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ConsumerStepHostListSent
	case EventDisplaysAdvertised:
		if f.step != ConsumerStepHostListSent {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ConsumerStepDisplaysAdvertisedReceived
	case EventAddDisplay, EventRemoveDisplay:
		if f.step != ConsumerStepDisplaysAdvertisedReceived && f.step < ConsumerStepChannelsAccepted {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ConsumerStepAddSent
	case EventChannelsConnected:
		if f.step != ConsumerStepAddSent {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ConsumerStepChannelsAccepted
	case EventSetDisplaySent:
		if f.step != ConsumerStepChannelsAccepted {
			return &ErrInvalidTransition{f.step, evt}
		}
		f.step = ConsumerStepSetDisplayReceived
	default:
		return &ErrInvalidTransition{f.step, evt}
	}
	return nil
}

// Listening records that the consumer has opened its control listener
// (step 1), which ProviderFSM has no equivalent explicit step for (it
// only observes the effect: its control connect succeeds).
func (f *ConsumerFSM) Listening() {
	if f.step == ConsumerStepInit {
		f.step = ConsumerStepListening
	}
}
