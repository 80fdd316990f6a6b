package scheduler

import "time"

// Config configures a per-torrent Scheduler.
type Config struct {

	// TickInterval is how often Schedule() is expected to be driven by the
	// caller's periodic timer (spec: every 1s).
	TickInterval time.Duration `yaml:"tick_interval"`

	// ChokeInterval is how often the choke/unchoke policy is reevaluated.
	ChokeInterval time.Duration `yaml:"choke_interval"`

	// InitialQueueCap is a peer's request queue depth immediately after
	// UNCHOKE, before it has delivered a single block.
	InitialQueueCap int `yaml:"initial_queue_cap"`

	// MaxQueueCap is a peer's request queue depth once it has delivered at
	// least one block.
	MaxQueueCap int `yaml:"max_queue_cap"`

	// MaxEWMADelay clamps the EWMA block-delay estimate.
	MaxEWMADelay time.Duration `yaml:"max_ewma_delay"`

	// ReadAheadPieces defaults to 2. Scheduler does not read it; read-ahead
	// is set by vfs.Handle's own prefetch window and deadline.
	ReadAheadPieces int `yaml:"read_ahead_pieces"`
}

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.ChokeInterval == 0 {
		c.ChokeInterval = 5 * time.Second
	}
	if c.InitialQueueCap == 0 {
		c.InitialQueueCap = 1
	}
	if c.MaxQueueCap == 0 {
		c.MaxQueueCap = 10
	}
	if c.MaxEWMADelay == 0 {
		c.MaxEWMADelay = 60 * time.Second
	}
	if c.ReadAheadPieces == 0 {
		c.ReadAheadPieces = 2
	}
	return c
}
