// Package pvconfig holds the process-wide tunables read at session
// creation and passed through as a value: ring-buffer page counts and
// the default control port.
package pvconfig

import "github.com/kelseyhightower/envconfig"

// PageSize is the platform page size the core assumes when computing
// ring-buffer allocation counts. The transport's shared local buffer is
// not page-aligned: its first page holds transport metadata.
const PageSize = 0x1000

// Config holds the tunables a ProviderSession/ConsumerSession is created
// with. Load populates this from environment variables so deployments can
// override page counts without code changes, but the result is always
// threaded through explicitly; nothing here is read from a package-level
// global at call time.
type Config struct {
	ControlPort        uint32 `envconfig:"PV_DISPLAY_CONTROL_PORT" default:"1000"`
	ControlRingPages   uint32 `envconfig:"PV_DISPLAY_CONTROL_PAGES" default:"1"`
	EventRingPages     uint32 `envconfig:"PV_DISPLAY_EVENT_PAGES" default:"4"`
	DirtyRectRingPages uint32 `envconfig:"PV_DISPLAY_DIRTY_RECT_PAGES" default:"32"`
}

// Default returns the protocol defaults without touching the
// environment: the zero-configuration case used by tests and by callers
// that want the defaults verbatim.
func Default() Config {
	return Config{
		ControlPort:        1000,
		ControlRingPages:   1,
		EventRingPages:     4,
		DirtyRectRingPages: 32,
	}
}

// Load reads Config from the environment, falling back to Default for
// anything unset. The prefix is conventionally empty; envconfig tags on
// each field carry the full variable name.
func Load() (Config, error) {
	cfg := Default()
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CursorRingPages is fixed by the cursor's 64×64 ARGB8888 geometry:
// ceil(16384 / page) + 1 page for transport metadata.
func CursorRingPages() uint32 {
	return pagesFor(CursorBufferSize) + 1
}

// FramebufferRingPages returns the page count for a framebuffer of the
// given byte size: ceil(size / page) + 1 page for transport metadata.
func FramebufferRingPages(size uint32) uint32 {
	return pagesFor(size) + 1
}

func pagesFor(size uint32) uint32 {
	return (size + PageSize - 1) / PageSize
}

// Cursor geometry constants: fixed 64×64 ARGB8888.
const (
	CursorWidth      = 64
	CursorHeight     = 64
	CursorStride     = CursorWidth * 4
	CursorBufferSize = CursorStride * CursorHeight // 16384
)
