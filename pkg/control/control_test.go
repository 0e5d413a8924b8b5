package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/ivc/loopback"
	"github.com/troyc/pv-display-helper/pkg/pvconfig"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

const testDomain ivc.DomainID = 1

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t, "condition not met within timeout")
}

func TestControlHandshakeCapabilitiesAndDisplayList(t *testing.T) {
	tr := loopback.New(zerolog.Nop())
	cfg := pvconfig.Default()

	var mu sync.Mutex
	var gotCaps wire.DriverCapabilities
	var gotHostList []wire.DisplayInfo

	var consumerSession *ConsumerSession
	l, err := Listen(tr, ivc.Port(cfg.ControlPort), testDomain, ivc.ConnIDAny, func(ch ivc.Channel) {
		consumerSession = FinishControlConnection(ch, func(error) {}, zerolog.Nop())
		consumerSession.RegisterHandlers(ConsumerHandlers{
			OnDriverCapabilities: func(c wire.DriverCapabilities) {
				mu.Lock()
				gotCaps = c
				mu.Unlock()
			},
		})
	})
	require.NoError(t, err)
	defer l.Close()

	provider, err := CreateProvider(context.Background(), tr, testDomain, ivc.Port(cfg.ControlPort), 0, cfg, func(error) {}, zerolog.Nop())
	require.NoError(t, err)
	defer provider.Destroy()

	provider.AddCapability(wire.CapResize)
	provider.AddCapability(wire.CapHotplug)
	require.NoError(t, provider.AdvertiseCapabilities(2))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotCaps.MaxDisplays == 2
	})
	mu.Lock()
	assert.Equal(t, uint32(2), gotCaps.MaxDisplays)
	assert.Equal(t, wire.InterfaceVer, gotCaps.Version)
	assert.Equal(t, wire.CapResize|wire.CapHotplug, gotCaps.Flags)
	mu.Unlock()

	provider.RegisterHandlers(ProviderHandlers{
		OnHostDisplayList: func(infos []wire.DisplayInfo) {
			mu.Lock()
			gotHostList = infos
			mu.Unlock()
		},
	})

	require.NoError(t, consumerSession.SendHostDisplayList([]wire.DisplayInfo{
		{Key: 1, Width: 1920, Height: 1080},
	}))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotHostList) == 1
	})
	mu.Lock()
	assert.Equal(t, uint32(1), gotHostList[0].Key)
	assert.Equal(t, uint32(1920), gotHostList[0].Width)
	mu.Unlock()
}

// TestProviderSessionFatalOnCRCMismatch sends a frame with a corrupted
// footer CRC: the provider's fatal-error handler must fire exactly once,
// and the frame must not be delivered to any registered handler.
func TestProviderSessionFatalOnCRCMismatch(t *testing.T) {
	tr := loopback.New(zerolog.Nop())
	cfg := pvconfig.Default()

	var rawConsumerChannel ivc.Channel
	l, err := Listen(tr, ivc.Port(cfg.ControlPort), testDomain, ivc.ConnIDAny, func(ch ivc.Channel) {
		rawConsumerChannel = ch
	})
	require.NoError(t, err)
	defer l.Close()

	var mu sync.Mutex
	var fatalCount int
	var gotHostList []wire.DisplayInfo

	provider, err := CreateProvider(context.Background(), tr, testDomain, ivc.Port(cfg.ControlPort), 0, cfg, func(error) {
		mu.Lock()
		fatalCount++
		mu.Unlock()
	}, zerolog.Nop())
	require.NoError(t, err)
	defer provider.Destroy()

	provider.RegisterHandlers(ProviderHandlers{
		OnHostDisplayList: func(infos []wire.DisplayInfo) {
			mu.Lock()
			gotHostList = infos
			mu.Unlock()
		},
	})

	require.NotNil(t, rawConsumerChannel)
	frame, err := wire.Encode(wire.TypeHostDisplayList, wire.EncodeDisplayList([]wire.DisplayInfo{{Key: 1}}))
	require.NoError(t, err)
	frame[len(frame)-wire.FooterLen] ^= 0xFF // corrupt the footer's CRC field
	require.NoError(t, rawConsumerChannel.Send(frame))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatalCount == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fatalCount)
	assert.Nil(t, gotHostList)
	assert.Equal(t, StateFaulted, provider.State())
}

func TestCreateDisplayRejectsMissingPorts(t *testing.T) {
	tr := loopback.New(zerolog.Nop())
	cfg := pvconfig.Default()
	l, err := Listen(tr, 1000, testDomain, ivc.ConnIDAny, func(ivc.Channel) {})
	require.NoError(t, err)
	defer l.Close()
	provider, err := CreateProvider(context.Background(), tr, testDomain, 1000, 0, cfg, func(error) {}, zerolog.Nop())
	require.NoError(t, err)
	defer provider.Destroy()

	open := func(ctx context.Context, port ivc.Port, pages int) (ivc.Channel, error) {
		t.Fatal("open should not be called when ports are invalid")
		return nil, nil
	}

	_, err = provider.CreateDisplay(context.Background(), wire.AddDisplayRequest{Key: 1}, 1920, 1080, 7680, nil, open, nil)
	require.Error(t, err)
}

func TestCreateDisplayRollsBackOnPartialFailure(t *testing.T) {
	tr := loopback.New(zerolog.Nop())
	cfg := pvconfig.Default()
	l, err := Listen(tr, 1000, testDomain, ivc.ConnIDAny, func(ivc.Channel) {})
	require.NoError(t, err)
	defer l.Close()
	provider, err := CreateProvider(context.Background(), tr, testDomain, 1000, 0, cfg, func(error) {}, zerolog.Nop())
	require.NoError(t, err)
	defer provider.Destroy()

	var disconnected []ivc.Port
	var mu sync.Mutex

	open := func(ctx context.Context, port ivc.Port, pages int) (ivc.Channel, error) {
		if port == 2001 {
			// Second channel (event) fails to open; framebuffer (2000)
			// must already have been rolled back by the time we return.
			return nil, assertErr
		}
		ch := &rollbackFakeChannel{port: port, onDisconnect: func() {
			mu.Lock()
			disconnected = append(disconnected, port)
			mu.Unlock()
		}}
		return ch, nil
	}

	req := wire.AddDisplayRequest{Key: 1, FramebufferPort: 2000, EventPort: 2001}
	_, err = provider.CreateDisplay(context.Background(), req, 1920, 1080, 7680, nil, open, nil)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ivc.Port{2000}, disconnected)
}

var assertErr = errSentinel("open failed")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// rollbackFakeChannel is a minimal ivc.Channel whose Disconnect just
// reports itself, for asserting CreateDisplay's teardown-on-partial-
// failure order.
type rollbackFakeChannel struct {
	port         ivc.Port
	onDisconnect func()
	buf          []byte
}

func (c *rollbackFakeChannel) Send([]byte) error                 { return nil }
func (c *rollbackFakeChannel) Recv([]byte) (int, error)          { return 0, nil }
func (c *rollbackFakeChannel) AvailableData() (int, error)       { return 0, nil }
func (c *rollbackFakeChannel) AvailableSpace() (int, error)      { return 0, nil }
func (c *rollbackFakeChannel) LocalBuffer() []byte                { return c.buf }
func (c *rollbackFakeChannel) BufferSize() int                    { return len(c.buf) }
func (c *rollbackFakeChannel) NotifyRemote()                      {}
func (c *rollbackFakeChannel) RegisterCallbacks(func(), func())   {}
func (c *rollbackFakeChannel) EnableEvents()                      {}
func (c *rollbackFakeChannel) DisableEvents()                     {}
func (c *rollbackFakeChannel) Reconnect(context.Context, ivc.DomainID, ivc.Port) error {
	return nil
}
func (c *rollbackFakeChannel) Disconnect() error {
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	return nil
}
