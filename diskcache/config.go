package diskcache

// Config configures a torrent's on-disk piece cache.
type Config struct {

	// Dir is the directory holding one "<hex infohash>.tc" file per torrent.
	Dir string `yaml:"dir"`

	// FreeSpacePercentage is the fraction, out of 100, of (free + active +
	// inactive cache bytes) allotted to this engine's torrent cache as a
	// whole, per spec.md §4.5.1.
	FreeSpacePercentage float64 `yaml:"free_space_percentage"`
}

func (c Config) applyDefaults() Config {
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.FreeSpacePercentage == 0 {
		c.FreeSpacePercentage = 80
	}
	return c
}
