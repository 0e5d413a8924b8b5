// Package loopback is the in-process reference implementation of
// pkg/ivc.Transport, used by this module's own tests and by
// cmd/pvdisplayctl's demo. It models the hypervisor's shared ring buffer
// and shared local buffer closely enough to exercise the core's streaming
// reassembly, backpressure, and disconnect-latching logic, without
// depending on any real hypervisor.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/pverr"
)

const defaultPageSize = 0x1000

// ring is a bounded FIFO byte queue standing in for one direction of the
// hypervisor's shared ring buffer. Capacity is enforced on Write so that
// AvailableSpace/insufficient-space behavior is testable.
type ring struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	capacity int
	closed   bool
}

func newRing(capacity int) *ring {
	r := &ring{capacity: capacity}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *ring) write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return pverr.Wrap(pverr.ErrTransport, "loopback: write on closed ring")
	}
	if r.buf.Len()+len(data) > r.capacity {
		return pverr.Wrap(pverr.ErrTransport, "loopback: insufficient space")
	}
	r.buf.Write(data)
	r.cond.Broadcast()
	return nil
}

func (r *ring) read(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.buf.Len() < len(buf) && !r.closed {
		r.cond.Wait()
	}
	if r.buf.Len() < len(buf) {
		return 0, pverr.Wrap(pverr.ErrNotFound, "loopback: channel closed")
	}
	return r.buf.Read(buf)
}

func (r *ring) available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len()
}

func (r *ring) space() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity - r.buf.Len()
}

func (r *ring) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// link is the shared state between a Connect'd channel and the channel its
// peer Listener accepted: two direction rings plus one shared local buffer
// (modeling the shared local buffer the hypervisor maps into both VMs).
type link struct {
	c2s, s2c   *ring
	localBuf   []byte
	disconnect chan struct{}
	once       sync.Once
}

func newLink(pages int) *link {
	capacity := pages * defaultPageSize
	if capacity < 0 {
		capacity = 0
	}
	// The shared local buffer loses its first page to transport metadata;
	// the message rings use the full page count.
	localSize := (pages - 1) * defaultPageSize
	if localSize < 0 {
		localSize = 0
	}
	return &link{
		c2s:        newRing(capacity),
		s2c:        newRing(capacity),
		localBuf:   make([]byte, localSize),
		disconnect: make(chan struct{}),
	}
}

func (l *link) closeOnce() {
	l.once.Do(func() {
		close(l.disconnect)
		l.c2s.close()
		l.s2c.close()
	})
}

// channel is one endpoint of a link.
type channel struct {
	logger   zerolog.Logger
	link     *link
	connID   ivc.ConnID
	isServer bool

	mu           sync.Mutex
	onData       func()
	onDisconnect func()
	eventsOn     bool
	notified     bool

	closeOnce sync.Once
}

func (c *channel) writeRing() *ring {
	if c.isServer {
		return c.link.s2c
	}
	return c.link.c2s
}

func (c *channel) readRing() *ring {
	if c.isServer {
		return c.link.c2s
	}
	return c.link.s2c
}

func (c *channel) Send(data []byte) error {
	if err := c.writeRing().write(data); err != nil {
		return err
	}
	c.NotifyRemote()
	return nil
}

func (c *channel) Recv(buf []byte) (int, error) {
	return c.readRing().read(buf)
}

func (c *channel) AvailableData() (int, error) {
	return c.readRing().available(), nil
}

func (c *channel) AvailableSpace() (int, error) {
	return c.writeRing().space(), nil
}

func (c *channel) LocalBuffer() []byte { return c.link.localBuf }
func (c *channel) BufferSize() int     { return len(c.link.localBuf) }

// ConnID returns the connection id this channel was established with:
// the caller's pinned id, or one generated at connect time.
func (c *channel) ConnID() ivc.ConnID { return c.connID }

// NotifyRemote wakes the peer's reader. The loopback ring's read() already
// blocks on a sync.Cond signaled by every write, which is this transport's
// wake-on-send guarantee; NotifyRemote is a no-op kept for interface
// symmetry with transports that need an explicit doorbell.
func (c *channel) NotifyRemote() {}

func (c *channel) RegisterCallbacks(onData func(), onDisconnect func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = onData
	c.onDisconnect = onDisconnect
}

func (c *channel) EnableEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsOn {
		return
	}
	c.eventsOn = true
	go c.pump()
}

func (c *channel) DisableEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsOn = false
}

// pump invokes onData whenever the read ring gains bytes, until events are
// disabled or the link disconnects. It never holds c.mu while calling the
// user handler. seen tracks the ring length after the previous onData so
// a partial frame left unread does not spin the loop; the next write's
// broadcast wakes it.
func (c *channel) pump() {
	r := c.readRing()
	seen := -1
	for {
		r.mu.Lock()
		for (r.buf.Len() == 0 || r.buf.Len() == seen) && !r.closed {
			r.cond.Wait()
		}
		closed := r.closed
		r.mu.Unlock()

		c.mu.Lock()
		enabled := c.eventsOn
		onData := c.onData
		onDisconnect := c.onDisconnect
		c.mu.Unlock()

		if closed {
			if enabled && onDisconnect != nil {
				c.fireDisconnectOnce(onDisconnect)
			}
			return
		}
		if !enabled {
			return
		}
		if onData != nil {
			onData()
		}
		seen = r.available()
	}
}

func (c *channel) fireDisconnectOnce(onDisconnect func()) {
	c.closeOnce.Do(onDisconnect)
}

func (c *channel) Reconnect(ctx context.Context, domain ivc.DomainID, port ivc.Port) error {
	// The loopback transport has no real network identity to re-dial
	// against; Reconnect succeeds on the existing link, keeping
	// LocalBuffer's backing allocation.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return pverr.Wrap(pverr.ErrNotFound, "loopback: reconnect on destroyed channel")
	}
	return nil
}

func (c *channel) Disconnect() error {
	c.link.closeOnce()
	return nil
}

// Transport is the in-process ivc.Transport implementation. A zero-value
// Transport is ready to use; typically one Transport is shared by a
// provider/consumer pair under test.
type Transport struct {
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[string]*listenerState
}

type listenerState struct {
	onConnect func(ivc.Channel)
	closed    bool
}

// New returns a ready-to-use loopback Transport logging through logger.
func New(logger zerolog.Logger) *Transport {
	return &Transport{logger: logger, listeners: make(map[string]*listenerState)}
}

func key(domain ivc.DomainID, port ivc.Port) string {
	return fmt.Sprintf("%d:%d", domain, port)
}

func (t *Transport) Connect(ctx context.Context, domain ivc.DomainID, port ivc.Port, pages int, connID ivc.ConnID) (ivc.Channel, error) {
	t.mu.Lock()
	st, ok := t.listeners[key(domain, port)]
	t.mu.Unlock()
	if !ok || st.closed {
		return nil, pverr.Wrapf(pverr.ErrTransport, "loopback: no listener on domain=%d port=%d", domain, port)
	}

	if connID == 0 || connID == ivc.ConnIDAny {
		connID = ivc.ConnID(uuid.New().ID())
	}

	l := newLink(pages)
	client := &channel{logger: t.logger, link: l, connID: connID, isServer: false}
	server := &channel{logger: t.logger, link: l, connID: connID, isServer: true}

	t.logger.Debug().
		Uint16("domain", uint16(domain)).
		Uint32("port", uint32(port)).
		Uint64("conn_id", uint64(connID)).
		Msg("loopback: connection established")

	st.onConnect(server)
	return client, nil
}

// Listen registers onConnect for (domain, port), reusing any existing
// registration on that pair: a second Listen call on the same (domain,
// port) simply rebinds the handler rather than creating a second
// underlying listener.
func (t *Transport) Listen(port ivc.Port, domain ivc.DomainID, connID ivc.ConnID, onConnect func(ivc.Channel)) (ivc.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners == nil {
		t.listeners = make(map[string]*listenerState)
	}
	k := key(domain, port)
	st, ok := t.listeners[k]
	if !ok {
		st = &listenerState{}
		t.listeners[k] = st
	}
	st.onConnect = onConnect
	st.closed = false
	return &loopbackListener{t: t, key: k}, nil
}

type loopbackListener struct {
	t   *Transport
	key string
}

func (l *loopbackListener) Close() error {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	if st, ok := l.t.listeners[l.key]; ok {
		st.closed = true
	}
	return nil
}
