package torrent

import "time"

// Config configures a Torrent's piece assembly and deadline behavior.
type Config struct {

	// AnnounceInterval defaults to 30 minutes. Torrent does not read it and
	// does not re-announce on its own.
	AnnounceInterval time.Duration `yaml:"announce_interval"`

	// MaxInFlightPieces defaults to 8. Torrent does not read it: the number
	// of piece buffers held in memory awaiting hash verification is not
	// bounded.
	MaxInFlightPieces int `yaml:"max_in_flight_pieces"`
}

func (c Config) applyDefaults() Config {
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = 30 * time.Minute
	}
	if c.MaxInFlightPieces == 0 {
		c.MaxInFlightPieces = 8
	}
	return c
}
