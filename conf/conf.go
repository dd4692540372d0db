// Package conf holds the runtime configuration for the transport. All values can be overridden from the
// environment with the LCOMM_ prefix, e.g. LCOMM_RUNTIME_DIR, LCOMM_CALL_TIMEOUT.
package conf

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	DefaultMinSegmentCapacity = 64 * 1024
	DefaultMaxFrameSize       = 64 * 1024
	DefaultConnectTimeout     = 2 * time.Second
)

type Config struct {
	// RuntimeDir is where service sockets live. Empty means $XDG_RUNTIME_DIR, falling back to /tmp.
	RuntimeDir string `envconfig:"RUNTIME_DIR"`

	// ShmDir is where shared segments are backed. Empty means /dev/shm when present, else the OS temp dir.
	ShmDir string `envconfig:"SHM_DIR"`

	// MinSegmentCapacity is the smallest segment a caller will allocate for a request.
	MinSegmentCapacity uint64 `envconfig:"MIN_SEGMENT_CAPACITY"`

	// MaxFrameSize caps the control frame body length. Larger length prefixes are rejected as protocol errors.
	MaxFrameSize uint32 `envconfig:"MAX_FRAME_SIZE"`

	// ConnectTimeout bounds how long a caller will retry connecting to a service socket that does not exist yet.
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT"`

	// CallTimeout, when non zero, is applied as a socket deadline around the whole handshake of one call.
	CallTimeout time.Duration `envconfig:"CALL_TIMEOUT"`

	// MaxPayloadSize, when non zero, is a ceiling on request and reply payload sizes. Payloads over the
	// ceiling fail, they are never truncated.
	MaxPayloadSize uint64 `envconfig:"MAX_PAYLOAD_SIZE"`
}

// Load populates a Config from the environment and fills in defaults.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("lcomm", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to load lcomm config from environment")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// DefaultConfig returns a Config with all defaults applied and nothing read from the environment.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.RuntimeDir == "" {
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			c.RuntimeDir = dir
		} else {
			c.RuntimeDir = "/tmp"
		}
	}
	if c.ShmDir == "" {
		if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
			c.ShmDir = "/dev/shm"
		} else {
			c.ShmDir = os.TempDir()
		}
	}
	if c.MinSegmentCapacity == 0 {
		c.MinSegmentCapacity = DefaultMinSegmentCapacity
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}
