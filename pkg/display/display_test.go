package display

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

// fakeChannel is a minimal in-memory ivc.Channel for exercising Display in
// isolation, without pkg/ivc/loopback's goroutine pumping.
type fakeChannel struct {
	mu           sync.Mutex
	sent         [][]byte
	buf          []byte
	space        int
	onData       func()
	onDiscon     func()
	disconnected bool
	reconnects   []ivc.Port
}

func newFakeChannel(bufSize, space int) *fakeChannel {
	return &fakeChannel{buf: make([]byte, bufSize), space: space}
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return nil
}
func (f *fakeChannel) Recv(buf []byte) (int, error)      { return 0, nil }
func (f *fakeChannel) AvailableData() (int, error)       { return 0, nil }
func (f *fakeChannel) AvailableSpace() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.space, nil
}
func (f *fakeChannel) LocalBuffer() []byte { return f.buf }
func (f *fakeChannel) BufferSize() int     { return len(f.buf) }
func (f *fakeChannel) NotifyRemote()       {}
func (f *fakeChannel) RegisterCallbacks(onData func(), onDisconnect func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onData, f.onDiscon = onData, onDisconnect
}
func (f *fakeChannel) EnableEvents()  {}
func (f *fakeChannel) DisableEvents() {}
func (f *fakeChannel) Reconnect(ctx context.Context, domain ivc.DomainID, port ivc.Port) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, port)
	return nil
}
func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeChannel) fireDisconnect() {
	f.mu.Lock()
	cb := f.onDiscon
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func newTestDisplay(t *testing.T, fatal FatalHandler) (*Display, *fakeChannel, *fakeChannel, *fakeChannel, *fakeChannel) {
	t.Helper()
	event := newFakeChannel(0, 0)
	fb := newFakeChannel(8*1920*1080, 0)
	dr := newFakeChannel(0, 0)
	cur := newFakeChannel(16384, 0)

	d := New(Config{
		Key: 1, Width: 1920, Height: 1080, Stride: 7680,
		Event: event, Framebuf: fb, DirtyRect: dr, Cursor: cur,
		Fatal: fatal, Logger: zerolog.Nop(),
	})
	return d, event, fb, dr, cur
}

func TestChangeResolutionSendsSetDisplay(t *testing.T) {
	d, event, _, _, _ := newTestDisplay(t, nil)
	require.NoError(t, d.ChangeResolution(1280, 720, 5120))

	require.Len(t, event.sent, 1)
	typ, payload, err := wire.Decode(event.sent[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSetDisplay, typ)

	got, err := wire.DecodeSetDisplay(payload)
	require.NoError(t, err)
	assert.Equal(t, wire.SetDisplay{Width: 1280, Height: 720, Stride: 5120}, got)
}

func TestLoadCursorImagePadsAndClips(t *testing.T) {
	d, event, _, _, cur := newTestDisplay(t, nil)

	srcW, srcH := uint32(32), uint32(48)
	src := make([]byte, srcW*4*srcH)
	for i := range src {
		src[i] = 0xFF
	}

	require.NoError(t, d.LoadCursorImage(src, srcW, srcH))

	buf := cur.LocalBuffer()
	for row := uint32(0); row < 64; row++ {
		for col := uint32(0); col < 64; col++ {
			off := row*256 + col*4
			want := byte(0x00)
			if row < srcH && col < srcW {
				want = 0xFF
			}
			for b := uint32(0); b < 4; b++ {
				assert.Equalf(t, want, buf[off+b], "row=%d col=%d byte=%d", row, col, b)
			}
		}
	}

	require.Len(t, event.sent, 1)
	typ, _, err := wire.Decode(event.sent[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeUpdateCursor, typ)
}

func TestLoadCursorImageRejectsOversize(t *testing.T) {
	d, _, _, _, _ := newTestDisplay(t, nil)
	err := d.LoadCursorImage(make([]byte, 65*65*4), 65, 65)
	require.Error(t, err)
}

func TestFatalHandlerFiresAtMostOnce(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d, event, fb, _, _ := newTestDisplay(t, func(_ *Display, _ error) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	event.fireDisconnect()
	fb.fireDisconnect()
	d.Destroy()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestInvalidateRegionTryAgain(t *testing.T) {
	d, _, _, dr, _ := newTestDisplay(t, nil)
	dr.space = 10
	err := d.InvalidateRegion(1, 1, 1, 1)
	require.Error(t, err)
}

func TestReconnectRequiresMandatoryPorts(t *testing.T) {
	d, _, _, _, _ := newTestDisplay(t, nil)
	err := d.Reconnect(context.Background(), AddRequest{Key: 1, EventPort: 2000})
	require.Error(t, err)
}

func TestReconnectReestablishesChannels(t *testing.T) {
	d, event, fb, dr, cur := newTestDisplay(t, nil)
	fbBuf := fb.LocalBuffer()

	req := AddRequest{
		Key: 1, EventPort: 2000, FramebufferPort: 2001,
		DirtyRectanglesPort: 2002, CursorBitmapPort: 2003,
	}
	require.NoError(t, d.Reconnect(context.Background(), req))

	assert.Equal(t, []ivc.Port{2001}, fb.reconnects)
	assert.Equal(t, []ivc.Port{2000}, event.reconnects)
	assert.Equal(t, []ivc.Port{2002}, dr.reconnects)
	assert.Equal(t, []ivc.Port{2003}, cur.reconnects)

	// The framebuffer's backing buffer survives the reconnect untouched.
	assert.Same(t, &fbBuf[0], &fb.LocalBuffer()[0])
}

func TestReconnectToleratesZeroOptionalPorts(t *testing.T) {
	d, event, fb, dr, cur := newTestDisplay(t, nil)

	req := AddRequest{Key: 1, EventPort: 2000, FramebufferPort: 2001}
	require.NoError(t, d.Reconnect(context.Background(), req))

	assert.Equal(t, []ivc.Port{2001}, fb.reconnects)
	assert.Equal(t, []ivc.Port{2000}, event.reconnects)
	assert.Empty(t, dr.reconnects)
	assert.Empty(t, cur.reconnects)
}
