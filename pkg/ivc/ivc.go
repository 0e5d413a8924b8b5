// Package ivc defines the boundary this module relies on but does not
// implement: the inter-VM communication transport. It covers connect/listen,
// send/recv, a shared local buffer, event and disconnect callbacks, and
// remaining-space/available-data queries.
//
// pkg/ivc/loopback supplies the one concrete implementation this module
// ships: an in-process reference transport used by the core's own tests
// and by cmd/pvdisplayctl's demo. Production deployments are expected to
// supply their own Channel/Listener backed by the real hypervisor IVC
// library; nothing above this package depends on loopback.
package ivc

import "context"

// DomainID identifies a peer VM. Port identifies an endpoint within a
// domain. ConnID distinguishes multiple connections on the same
// (domain, port) pair; ConnIDAny lets the transport pick one.
type (
	DomainID uint16
	Port     uint32
	ConnID   uint64
)

// ConnIDAny lets the transport pick the connection id.
const ConnIDAny ConnID = ^ConnID(0)

// Channel is the uniform view over the transport's client/server
// connection object. A Channel is safe for concurrent Send and Recv from
// different goroutines, but not for concurrent Recv calls; each channel
// has one logical reader.
type Channel interface {
	// Send emits data as a single atomic transport send call. Returns a
	// transport-kind error (see pkg/pverr) if the transport reports
	// insufficient space.
	Send(data []byte) error

	// Recv reads exactly len(buf) bytes, blocking until they are
	// available or the channel is disconnected. Per the transport
	// contract, it never short-returns when AvailableData() >= len(buf)
	// at the time of the call.
	Recv(buf []byte) (int, error)

	// AvailableData reports how many bytes are currently queued to read.
	AvailableData() (int, error)

	// AvailableSpace reports how many bytes may currently be sent before
	// the transport would report resource exhaustion.
	AvailableSpace() (int, error)

	// LocalBuffer returns the channel's shared local buffer (used for
	// framebuffer/cursor channels). The returned slice's pointer is
	// stable for the channel's lifetime; its length is BufferSize().
	LocalBuffer() []byte
	BufferSize() int

	// NotifyRemote signals the peer that new data is available. The wake
	// is at-least-once: callers may invoke it once per send provided the
	// transport guarantees wake-on-send, as pkg/ivc/loopback does.
	NotifyRemote()

	// RegisterCallbacks wires the channel's data-ready and disconnect
	// callbacks. Registering again replaces the previous handlers; a nil
	// handler silently drops subsequent matching events. onDisconnect
	// fires exactly once per channel.
	RegisterCallbacks(onData func(), onDisconnect func())

	EnableEvents()
	DisableEvents()

	// Reconnect re-establishes the channel against domain/port without
	// disturbing LocalBuffer's backing allocation.
	Reconnect(ctx context.Context, domain DomainID, port Port) error

	Disconnect() error
}

// Listener is a bound, listening endpoint produced by Listen. Closing it
// stops accepting new connections; it does not affect channels already
// accepted.
type Listener interface {
	Close() error
}

// Transport is the connection-establishment half of the boundary.
// Implementations supply Connect/Listen; everything else hangs off the
// returned Channel.
type Transport interface {
	// Connect opens an outgoing connection (the provider's role for all
	// four per-display channels, and the provider's role for the control
	// channel).
	Connect(ctx context.Context, domain DomainID, port Port, pages int, connID ConnID) (Channel, error)

	// Listen opens a listening endpoint (the consumer's role). onConnect
	// is invoked once per accepted inbound connection with the raw
	// Channel; the caller is responsible for binding reassembly state
	// and registering callbacks on it.
	Listen(port Port, domain DomainID, connID ConnID, onConnect func(Channel)) (Listener, error)
}
