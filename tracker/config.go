package tracker

import "time"

// Config configures both the UDP and HTTP tracker clients.
type Config struct {

	// UDPConnectTimeout defaults to 15s. UDPClient does not read it: its
	// connect and announce waits follow connectRetransmitDelay's
	// 15*2^attempt schedule.
	UDPConnectTimeout time.Duration `yaml:"udp_connect_timeout"`

	// HTTPTimeout bounds a single HTTP announce request.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// DefaultInterval is used when a tracker reply omits both "interval"
	// and "min interval".
	DefaultInterval time.Duration `yaml:"default_interval"`

	// MaxInterval caps the announce interval after repeated failures.
	MaxInterval time.Duration `yaml:"max_interval"`
}

func (c Config) applyDefaults() Config {
	if c.UDPConnectTimeout == 0 {
		c.UDPConnectTimeout = 15 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 1800 * time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 3600 * time.Second
	}
	return c
}
