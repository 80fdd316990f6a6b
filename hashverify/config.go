package hashverify

// Config configures a Verifier.
type Config struct {

	// QueueSize bounds the number of pending verification jobs before
	// Submit starts rejecting new work.
	QueueSize int `yaml:"queue_size"`

	// BadPeerThreshold is the number of times a peer must be blamed for a
	// hash failure, across any pieces of the same torrent, before it is
	// reported as bad enough to disconnect.
	BadPeerThreshold int `yaml:"bad_peer_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.BadPeerThreshold == 0 {
		c.BadPeerThreshold = 3
	}
	return c
}
