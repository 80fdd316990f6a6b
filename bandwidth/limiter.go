// Package bandwidth provides an egress-only token-bucket rate limiter
// shared across a torrent's peer connections. There is no ingress limiter:
// this engine never throttles incoming data.
package bandwidth

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/movian/bittorrent/internal/memsize"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec uint64 `yaml:"egress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, avoiding
	// integer overflow errors that would occur mapping each bit to a token.
	TokenSize uint64 `yaml:"token_size"`

	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.EgressBitsPerSec == 0 {
		c.EgressBitsPerSec = 50 * memsize.Mbit
	}
	if c.TokenSize == 0 {
		c.TokenSize = memsize.Mbit
	}
	return c
}

// Limiter limits egress bandwidth via a token-bucket rate limiter.
type Limiter struct {
	config Config
	egress *rate.Limiter
}

// NewLimiter creates a new Limiter.
func NewLimiter(config Config, logger *zap.SugaredLogger) *Limiter {
	config = config.applyDefaults()

	if config.Disable {
		logger.Warn("bandwidth limit disabled")
	} else {
		logger.Infof("setting egress bandwidth to %s/sec", memsize.BitFormat(config.EgressBitsPerSec))
	}

	etps := config.EgressBitsPerSec / config.TokenSize

	return &Limiter{
		config: config,
		egress: rate.NewLimiter(rate.Limit(etps), int(etps)),
	}
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
// Returns an error if nbytes is larger than the maximum egress bandwidth.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	if l.config.Disable {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := l.egress.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, max is %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(l.config.TokenSize*uint64(l.egress.Burst())))
	}
	time.Sleep(r.Delay())
	return nil
}
