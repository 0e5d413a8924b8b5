package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := []byte("hello pv-display")
	frame, err := Encode(TypeSetDisplay, payload)
	require.NoError(t, err)

	typ, got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeSetDisplay, typ)
	assert.Equal(t, payload, got)
}

func TestRoundTripMaxPayload(t *testing.T) {
	payload := make([]byte, MaxPayloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame, err := Encode(TypeHostDisplayList, payload)
	require.NoError(t, err)

	typ, got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeHostDisplayList, typ)
	assert.Equal(t, payload, got)
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(TypeSetDisplay, make([]byte, MaxPayloadLen+1))
	require.Error(t, err)
}

func TestBitFlipCorruptsHeader(t *testing.T) {
	frame, err := Encode(TypeMoveCursor, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	frame[4] ^= 0x01 // flip a bit in the type field, inside the CRC'd region
	_, _, err = Decode(frame)
	require.Error(t, err)
}

func TestBitFlipCorruptsPayload(t *testing.T) {
	frame, err := Encode(TypeMoveCursor, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	frame[HeaderLen] ^= 0x01
	_, _, err = Decode(frame)
	require.Error(t, err)
}

func TestBitFlipCorruptsFooter(t *testing.T) {
	frame, err := Encode(TypeMoveCursor, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	frame[len(frame)-FooterLen] ^= 0x01 // flip a bit in the footer's CRC field
	_, _, err = Decode(frame)
	require.Error(t, err)
}

// fakeSource is an in-memory Source that can be fed bytes in arbitrarily
// small chunks, for testing the streaming decoder.
type fakeSource struct {
	buf []byte
}

func (f *fakeSource) push(b []byte) { f.buf = append(f.buf, b...) }

func (f *fakeSource) AvailableData() (int, error) { return len(f.buf), nil }

func (f *fakeSource) Recv(buf []byte) (int, error) {
	n := copy(buf, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func TestStreamingEquivalence(t *testing.T) {
	var frames [][]byte
	for i, typ := range []uint32{TypeSetDisplay, TypeUpdateCursor, TypeMoveCursor} {
		f, err := Encode(typ, []byte{byte(i), byte(i + 1)})
		require.NoError(t, err)
		frames = append(frames, f)
	}

	var all []byte
	for _, f := range frames {
		all = append(all, f...)
	}

	// Deliver the whole stream at once.
	oneShot := &fakeSource{}
	oneShot.push(all)
	var gotOne []uint32
	require.NoError(t, NewDecoder().Pump(oneShot, func(hdr Header, _ []byte) {
		gotOne = append(gotOne, hdr.Type)
	}))

	// Deliver split into 1-byte chunks, pumping after each.
	chunked := &fakeSource{}
	dec := NewDecoder()
	var gotChunked []uint32
	for _, b := range all {
		chunked.push([]byte{b})
		require.NoError(t, dec.Pump(chunked, func(hdr Header, _ []byte) {
			gotChunked = append(gotChunked, hdr.Type)
		}))
	}

	assert.Equal(t, []uint32{TypeSetDisplay, TypeUpdateCursor, TypeMoveCursor}, gotOne)
	assert.Equal(t, gotOne, gotChunked)
}

func TestDecoderCRCMismatchResetsAndRecovers(t *testing.T) {
	bad, err := Encode(TypeSetDisplay, []byte{1, 2, 3})
	require.NoError(t, err)
	bad[len(bad)-FooterLen] ^= 0xFF // corrupt footer CRC field

	good, err := Encode(TypeMoveCursor, []byte{9, 9})
	require.NoError(t, err)

	src := &fakeSource{}
	src.push(bad)

	dec := NewDecoder()
	var dispatched []uint32
	err = dec.Pump(src, func(hdr Header, _ []byte) { dispatched = append(dispatched, hdr.Type) })
	require.Error(t, err)
	assert.Empty(t, dispatched)

	// A subsequent valid packet on the same decoder (simulating a fresh
	// connection reusing the decoder) must decode correctly.
	src.push(good)
	err = dec.Pump(src, func(hdr Header, _ []byte) { dispatched = append(dispatched, hdr.Type) })
	require.NoError(t, err)
	assert.Equal(t, []uint32{TypeMoveCursor}, dispatched)
}

func TestDirtyRectRoundTrip(t *testing.T) {
	r := DirtyRect{X: 10, Y: 20, Width: 30, Height: 40}
	buf := EncodeDirtyRect(r)
	assert.Len(t, buf, DirtyRectLen)

	got, err := DecodeDirtyRect(buf)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestDisplayListRoundTrip(t *testing.T) {
	infos := []DisplayInfo{
		{Key: 1, X: 0, Y: 0, Width: 1920, Height: 1080},
		{Key: 2, X: 1920, Y: 0, Width: 1280, Height: 720},
	}
	buf := EncodeDisplayList(infos)
	got, err := DecodeDisplayList(buf)
	require.NoError(t, err)
	assert.Equal(t, infos, got)
}
