// Package wire implements the pv-display-helper packet codec: the
// header/payload/footer framing shared by the control channel and the
// per-display event channel, CRC-16/CCITT validation, and the streaming
// reassembly state machine a single channel reader drives one packet at a
// time.
package wire

import (
	"encoding/binary"

	"github.com/troyc/pv-display-helper/pkg/pverr"
)

// Protocol constants.
const (
	Magic1        uint16 = 0xC0DE
	Magic2        uint16 = 0x5AFE
	InterfaceVer  uint32 = 0x00000001
	MaxPacket            = 4096
	HeaderLen            = 16 // u16+u16+u32+u32+u32
	FooterLen            = 8  // u16+u16+u32
	MaxPayloadLen        = MaxPacket - HeaderLen - FooterLen
)

// Control-channel packet types.
const (
	TypeNone                     uint32 = 0
	TypeDriverCapabilities       uint32 = 1
	TypeHostDisplayList          uint32 = 2
	TypeAdvertisedDisplayList    uint32 = 3
	TypeAddDisplay               uint32 = 4
	TypeRemoveDisplay            uint32 = 5
	TypeDisplayNoLongerAvailable uint32 = 6
	TypeTextMode                 uint32 = 7
	TypeControlEnd               uint32 = 8
)

// Event-channel packet types.
const (
	TypeEventNone    uint32 = 100
	TypeSetDisplay   uint32 = 101
	TypeUpdateCursor uint32 = 102
	TypeMoveCursor   uint32 = 103
	TypeBlankDisplay uint32 = 104
	TypeEventEnd     uint32 = 105
)

// Capability bitmap bits.
const (
	CapLFB       uint32 = 1 << 0
	CapHWCursor  uint32 = 1 << 1
	CapResize    uint32 = 1 << 2
	CapReconnect uint32 = 1 << 3
	CapHotplug   uint32 = 1 << 4
	CapBlanking  uint32 = 1 << 5
)

// Blank reasons.
const (
	BlankDPMSSleep              uint32 = 0
	BlankDPMSWake               uint32 = 1
	BlankModesettingFillEnable  uint32 = 2
	BlankModesettingFillDisable uint32 = 3
)

// Header is the fixed 16-byte packet header, little-endian, tightly packed.
type Header struct {
	Magic1   uint16
	Magic2   uint16
	Type     uint32
	Length   uint32
	Reserved uint32
}

// Valid reports whether h carries the protocol's magic numbers and a
// length that fits within a single packet.
func (h Header) Valid() bool {
	return h.Magic1 == Magic1 && h.Magic2 == Magic2 && h.Length <= MaxPayloadLen
}

// Footer is the fixed 8-byte packet footer, little-endian, tightly packed.
type Footer struct {
	CRC       uint16
	Reserved  uint16
	Reserved2 uint32
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic1)
	binary.LittleEndian.PutUint16(buf[2:4], h.Magic2)
	binary.LittleEndian.PutUint32(buf[4:8], h.Type)
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	binary.LittleEndian.PutUint32(buf[12:16], h.Reserved)
}

func getHeader(buf []byte) Header {
	return Header{
		Magic1:   binary.LittleEndian.Uint16(buf[0:2]),
		Magic2:   binary.LittleEndian.Uint16(buf[2:4]),
		Type:     binary.LittleEndian.Uint32(buf[4:8]),
		Length:   binary.LittleEndian.Uint32(buf[8:12]),
		Reserved: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

func putFooter(buf []byte, f Footer) {
	binary.LittleEndian.PutUint16(buf[0:2], f.CRC)
	binary.LittleEndian.PutUint16(buf[2:4], f.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], f.Reserved2)
}

func getFooter(buf []byte) Footer {
	return Footer{
		CRC:       binary.LittleEndian.Uint16(buf[0:2]),
		Reserved:  binary.LittleEndian.Uint16(buf[2:4]),
		Reserved2: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Encode builds a complete header‖payload‖footer frame for (typ, payload).
// Returns pverr.ErrInvalidArgument if payload exceeds MaxPayloadLen.
func Encode(typ uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, pverr.Wrapf(pverr.ErrInvalidArgument,
			"wire: payload length %d exceeds max %d", len(payload), MaxPayloadLen)
	}

	buf := make([]byte, HeaderLen+len(payload)+FooterLen)
	hdr := Header{Magic1: Magic1, Magic2: Magic2, Type: typ, Length: uint32(len(payload))}
	putHeader(buf, hdr)
	copy(buf[HeaderLen:], payload)

	crc := CRC16CCITT(buf[:HeaderLen+len(payload)])
	putFooter(buf[HeaderLen+len(payload):], Footer{CRC: crc})

	return buf, nil
}

// Decode parses a single complete header‖payload‖footer frame, validating
// magics, length, and CRC. On success it returns the packet type and a
// freshly allocated payload slice.
func Decode(frame []byte) (typ uint32, payload []byte, err error) {
	if len(frame) < HeaderLen+FooterLen {
		return 0, nil, pverr.Wrap(pverr.ErrProtocol, "wire: frame too short")
	}

	hdr := getHeader(frame)
	if hdr.Magic1 != Magic1 || hdr.Magic2 != Magic2 {
		return 0, nil, pverr.Wrap(pverr.ErrProtocol, "wire: bad magic")
	}
	if hdr.Length > MaxPayloadLen {
		return 0, nil, pverr.Wrap(pverr.ErrProtocol, "wire: length exceeds max payload")
	}
	need := HeaderLen + int(hdr.Length) + FooterLen
	if len(frame) != need {
		return 0, nil, pverr.Wrapf(pverr.ErrProtocol,
			"wire: frame length %d does not match expected %d", len(frame), need)
	}

	body := frame[HeaderLen : HeaderLen+int(hdr.Length)]
	footer := getFooter(frame[HeaderLen+int(hdr.Length):])

	want := CRC16CCITT(frame[:HeaderLen+int(hdr.Length)])
	if footer.CRC != want {
		return 0, nil, pverr.Wrapf(pverr.ErrProtocol,
			"wire: CRC mismatch (got %#04x, want %#04x)", footer.CRC, want)
	}

	out := make([]byte, len(body))
	copy(out, body)
	return hdr.Type, out, nil
}
