package wire

import (
	"encoding/binary"

	"github.com/troyc/pv-display-helper/pkg/pverr"
)

// DisplayInfo carries one display's geometry in a display list.
type DisplayInfo struct {
	Key      uint32
	X        uint32
	Y        uint32
	Width    uint32
	Height   uint32
	Reserved uint32
}

const displayInfoLen = 24

func putDisplayInfo(buf []byte, d DisplayInfo) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Key)
	binary.LittleEndian.PutUint32(buf[4:8], d.X)
	binary.LittleEndian.PutUint32(buf[8:12], d.Y)
	binary.LittleEndian.PutUint32(buf[12:16], d.Width)
	binary.LittleEndian.PutUint32(buf[16:20], d.Height)
	binary.LittleEndian.PutUint32(buf[20:24], d.Reserved)
}

func getDisplayInfo(buf []byte) DisplayInfo {
	return DisplayInfo{
		Key:      binary.LittleEndian.Uint32(buf[0:4]),
		X:        binary.LittleEndian.Uint32(buf[4:8]),
		Y:        binary.LittleEndian.Uint32(buf[8:12]),
		Width:    binary.LittleEndian.Uint32(buf[12:16]),
		Height:   binary.LittleEndian.Uint32(buf[16:20]),
		Reserved: binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// EncodeDriverCapabilities builds the payload for TypeDriverCapabilities.
func EncodeDriverCapabilities(maxDisplays, flags uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], maxDisplays)
	binary.LittleEndian.PutUint32(buf[4:8], InterfaceVer)
	binary.LittleEndian.PutUint32(buf[8:12], flags)
	return buf
}

// DriverCapabilities is the decoded form of TypeDriverCapabilities.
type DriverCapabilities struct {
	MaxDisplays uint32
	Version     uint32
	Flags       uint32
}

// DecodeDriverCapabilities parses a TypeDriverCapabilities payload.
func DecodeDriverCapabilities(payload []byte) (DriverCapabilities, error) {
	if len(payload) < 16 {
		return DriverCapabilities{}, pverr.Wrap(pverr.ErrProtocol, "wire: driver_capabilities too short")
	}
	return DriverCapabilities{
		MaxDisplays: binary.LittleEndian.Uint32(payload[0:4]),
		Version:     binary.LittleEndian.Uint32(payload[4:8]),
		Flags:       binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

// EncodeDisplayList builds the payload for HOST_DISPLAY_LIST or
// ADVERTISED_DISPLAY_LIST: num_displays followed by that many DisplayInfo.
func EncodeDisplayList(infos []DisplayInfo) []byte {
	buf := make([]byte, 4+displayInfoLen*len(infos))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(infos)))
	off := 4
	for _, info := range infos {
		putDisplayInfo(buf[off:off+displayInfoLen], info)
		off += displayInfoLen
	}
	return buf
}

// DecodeDisplayList parses a HOST_DISPLAY_LIST / ADVERTISED_DISPLAY_LIST payload.
func DecodeDisplayList(payload []byte) ([]DisplayInfo, error) {
	if len(payload) < 4 {
		return nil, pverr.Wrap(pverr.ErrProtocol, "wire: display_list too short")
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	want := 4 + int(count)*displayInfoLen
	if len(payload) < want {
		return nil, pverr.Wrap(pverr.ErrProtocol, "wire: display_list truncated")
	}
	infos := make([]DisplayInfo, count)
	off := 4
	for i := range infos {
		infos[i] = getDisplayInfo(payload[off : off+displayInfoLen])
		off += displayInfoLen
	}
	return infos, nil
}

// AddDisplayRequest is the payload for ADD_DISPLAY. A zero dirty-rect or
// cursor port means the consumer did not request that channel.
type AddDisplayRequest struct {
	Key                 uint32
	EventPort           uint32
	FramebufferPort     uint32
	DirtyRectanglesPort uint32
	CursorBitmapPort    uint32
}

// EncodeAddDisplay builds the ADD_DISPLAY payload.
func EncodeAddDisplay(r AddDisplayRequest) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], r.Key)
	binary.LittleEndian.PutUint32(buf[4:8], r.EventPort)
	binary.LittleEndian.PutUint32(buf[8:12], r.FramebufferPort)
	binary.LittleEndian.PutUint32(buf[12:16], r.DirtyRectanglesPort)
	binary.LittleEndian.PutUint32(buf[16:20], r.CursorBitmapPort)
	return buf
}

// DecodeAddDisplay parses an ADD_DISPLAY payload.
func DecodeAddDisplay(payload []byte) (AddDisplayRequest, error) {
	if len(payload) < 20 {
		return AddDisplayRequest{}, pverr.Wrap(pverr.ErrProtocol, "wire: add_display too short")
	}
	return AddDisplayRequest{
		Key:                 binary.LittleEndian.Uint32(payload[0:4]),
		EventPort:           binary.LittleEndian.Uint32(payload[4:8]),
		FramebufferPort:     binary.LittleEndian.Uint32(payload[8:12]),
		DirtyRectanglesPort: binary.LittleEndian.Uint32(payload[12:16]),
		CursorBitmapPort:    binary.LittleEndian.Uint32(payload[16:20]),
	}, nil
}

// EncodeKey builds the single-uint32 payload shared by REMOVE_DISPLAY and
// DISPLAY_NO_LONGER_AVAILABLE.
func EncodeKey(key uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, key)
	return buf
}

// DecodeKey parses the single-uint32 payload shared by REMOVE_DISPLAY and
// DISPLAY_NO_LONGER_AVAILABLE.
func DecodeKey(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, pverr.Wrap(pverr.ErrProtocol, "wire: key payload too short")
	}
	return binary.LittleEndian.Uint32(payload[0:4]), nil
}

// TextMode values.
const (
	TextModeDisabled uint32 = 0
	TextModeEnabled  uint32 = 1
)

// EncodeTextMode builds the TEXT_MODE payload.
func EncodeTextMode(mode uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, mode)
	return buf
}

// DecodeTextMode parses the TEXT_MODE payload.
func DecodeTextMode(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, pverr.Wrap(pverr.ErrProtocol, "wire: text_mode too short")
	}
	return binary.LittleEndian.Uint32(payload[0:4]), nil
}

// SetDisplay is the payload for the SET_DISPLAY event.
type SetDisplay struct {
	Width, Height, Stride uint32
}

// EncodeSetDisplay builds the SET_DISPLAY payload.
func EncodeSetDisplay(s SetDisplay) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], s.Width)
	binary.LittleEndian.PutUint32(buf[4:8], s.Height)
	binary.LittleEndian.PutUint32(buf[8:12], s.Stride)
	return buf
}

// DecodeSetDisplay parses the SET_DISPLAY payload.
func DecodeSetDisplay(payload []byte) (SetDisplay, error) {
	if len(payload) < 12 {
		return SetDisplay{}, pverr.Wrap(pverr.ErrProtocol, "wire: set_display too short")
	}
	return SetDisplay{
		Width:  binary.LittleEndian.Uint32(payload[0:4]),
		Height: binary.LittleEndian.Uint32(payload[4:8]),
		Stride: binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

// UpdateCursor is the payload for the UPDATE_CURSOR event.
type UpdateCursor struct {
	XHot, YHot uint32
	Show       uint32
}

// EncodeUpdateCursor builds the UPDATE_CURSOR payload.
func EncodeUpdateCursor(u UpdateCursor) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], u.XHot)
	binary.LittleEndian.PutUint32(buf[4:8], u.YHot)
	binary.LittleEndian.PutUint32(buf[8:12], u.Show)
	return buf
}

// DecodeUpdateCursor parses the UPDATE_CURSOR payload.
func DecodeUpdateCursor(payload []byte) (UpdateCursor, error) {
	if len(payload) < 12 {
		return UpdateCursor{}, pverr.Wrap(pverr.ErrProtocol, "wire: update_cursor too short")
	}
	return UpdateCursor{
		XHot: binary.LittleEndian.Uint32(payload[0:4]),
		YHot: binary.LittleEndian.Uint32(payload[4:8]),
		Show: binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

// MoveCursor is the payload for the MOVE_CURSOR event.
type MoveCursor struct {
	X, Y uint32
}

// EncodeMoveCursor builds the MOVE_CURSOR payload.
func EncodeMoveCursor(m MoveCursor) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], m.X)
	binary.LittleEndian.PutUint32(buf[4:8], m.Y)
	return buf
}

// DecodeMoveCursor parses the MOVE_CURSOR payload.
func DecodeMoveCursor(payload []byte) (MoveCursor, error) {
	if len(payload) < 8 {
		return MoveCursor{}, pverr.Wrap(pverr.ErrProtocol, "wire: move_cursor too short")
	}
	return MoveCursor{
		X: binary.LittleEndian.Uint32(payload[0:4]),
		Y: binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// BlankDisplay is the payload for the BLANK_DISPLAY event.
type BlankDisplay struct {
	Color  uint32
	Reason uint32
}

// EncodeBlankDisplay builds the BLANK_DISPLAY payload.
func EncodeBlankDisplay(b BlankDisplay) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], b.Color)
	binary.LittleEndian.PutUint32(buf[4:8], b.Reason)
	return buf
}

// DecodeBlankDisplay parses the BLANK_DISPLAY payload.
func DecodeBlankDisplay(payload []byte) (BlankDisplay, error) {
	if len(payload) < 8 {
		return BlankDisplay{}, pverr.Wrap(pverr.ErrProtocol, "wire: blank_display too short")
	}
	return BlankDisplay{
		Color:  binary.LittleEndian.Uint32(payload[0:4]),
		Reason: binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// DirtyRectLen is the size in bytes of one raw dirty-rect record.
const DirtyRectLen = 16

// DirtyRect is one raw 16-byte dirty-rectangle record. The dirty-rect
// channel carries these back to back with no header or footer.
type DirtyRect struct {
	X, Y, Width, Height uint32
}

// EncodeDirtyRect writes r as the 16-byte raw record.
func EncodeDirtyRect(r DirtyRect) []byte {
	buf := make([]byte, DirtyRectLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.X)
	binary.LittleEndian.PutUint32(buf[4:8], r.Y)
	binary.LittleEndian.PutUint32(buf[8:12], r.Width)
	binary.LittleEndian.PutUint32(buf[12:16], r.Height)
	return buf
}

// DecodeDirtyRect parses a raw 16-byte dirty-rect record.
func DecodeDirtyRect(buf []byte) (DirtyRect, error) {
	if len(buf) < DirtyRectLen {
		return DirtyRect{}, pverr.Wrap(pverr.ErrProtocol, "wire: dirty_rect too short")
	}
	return DirtyRect{
		X:      binary.LittleEndian.Uint32(buf[0:4]),
		Y:      binary.LittleEndian.Uint32(buf[4:8]),
		Width:  binary.LittleEndian.Uint32(buf[8:12]),
		Height: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}
