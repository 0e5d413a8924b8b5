package wire

import (
	"sync"

	"github.com/troyc/pv-display-helper/pkg/pverr"
)

// Source is the minimal read side of an IVC channel the streaming decoder
// needs: how many bytes are ready, and an exact-length read. Both
// pkg/ivc.Channel and any test fake satisfy this structurally.
type Source interface {
	AvailableData() (int, error)
	Recv(buf []byte) (int, error)
}

// Decoder drives the per-channel streaming reassembly state machine: a
// single in-progress header, consumed in two phases (wait for a full
// header, then wait for length+footer bytes).
//
// Pump serializes against itself via an internal mutex, but a Decoder
// still assumes one logical reader per channel, matching the IVC contract
// that reads are FIFO.
type Decoder struct {
	mu sync.Mutex

	hasHeader bool
	headerRaw [HeaderLen]byte
	header    Header
}

// NewDecoder returns a Decoder with current_packet_header.length == 0,
// i.e. no reassembly in progress.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Dispatch is invoked once per fully decoded packet. hdr is a value copy
// of the header taken before the decoder resets its in-progress state, so
// the handler sees the header as it was when the packet completed.
type Dispatch func(hdr Header, payload []byte)

// Pump drains as many complete packets as are currently available from src,
// invoking dispatch for each, and returns when src yields no further
// progress. A non-nil error is fatal for the owning channel (protocol
// error from a CRC mismatch, or a transport error from src); the caller is
// expected to fire its fatal-error handler and tear the channel down.
func (d *Decoder) Pump(src Source, dispatch Dispatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if !d.hasHeader {
			avail, err := src.AvailableData()
			if err != nil {
				return pverr.Wrap(pverr.ErrTransport, "wire: available_data")
			}
			if avail < HeaderLen {
				return nil // yield: not enough for a header yet
			}
			n, err := src.Recv(d.headerRaw[:])
			if err != nil {
				return pverr.Wrap(pverr.ErrTransport, "wire: recv header")
			}
			if n != HeaderLen {
				return pverr.Wrap(pverr.ErrTransport, "wire: short header read")
			}
			hdr := getHeader(d.headerRaw[:])
			if !hdr.Valid() {
				d.hasHeader = false
				return pverr.Wrap(pverr.ErrProtocol, "wire: invalid header (magic/length)")
			}
			d.header = hdr
			d.hasHeader = true
		}

		need := int(d.header.Length) + FooterLen
		avail, err := src.AvailableData()
		if err != nil {
			return pverr.Wrap(pverr.ErrTransport, "wire: available_data")
		}
		if avail < need {
			return nil // yield: body+footer not fully arrived yet
		}

		body := make([]byte, need)
		n, err := src.Recv(body)
		if err != nil {
			return pverr.Wrap(pverr.ErrTransport, "wire: recv body")
		}
		if n != need {
			return pverr.Wrap(pverr.ErrTransport, "wire: short body read")
		}

		payload := body[:d.header.Length]
		footer := getFooter(body[d.header.Length:])

		want := CRC16CCITT(append(append([]byte{}, d.headerRaw[:]...), payload...))
		if footer.CRC != want {
			// Reset reassembly state before raising the fatal error, so
			// a later connection reusing this decoder starts clean.
			d.hasHeader = false
			d.header = Header{}
			return pverr.Wrap(pverr.ErrProtocol, "wire: CRC mismatch")
		}

		// Copy for dispatch before resetting; the handler must observe
		// the header as it was when the packet completed.
		hdrCopy := d.header
		d.hasHeader = false
		d.header = Header{}

		payloadCopy := make([]byte, len(payload))
		copy(payloadCopy, payload)
		dispatch(hdrCopy, payloadCopy)
	}
}
