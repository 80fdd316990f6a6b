package engine

import (
	"github.com/movian/bittorrent/torrent"
	"github.com/movian/bittorrent/tracker"
)

// Config aggregates every subsystem's Config into the single root object
// an Engine is constructed from, following the same one-struct-per-field
// shape used to assemble the torrent registry's own RegistryConfig.
type Config struct {
	Registry torrent.RegistryConfig `yaml:"registry"`
	Tracker  tracker.ManagerConfig  `yaml:"tracker"`

	// ListenPort is advertised to trackers; the core does not itself bind
	// a listening socket for inbound connections (§6: "informational").
	ListenPort uint16 `yaml:"listen_port"`

	// MaxPeersGlobal and MaxPeersTorrent bound concurrent peer connections
	// process-wide and per torrent, respectively.
	MaxPeersGlobal  int `yaml:"max_peers_global"`
	MaxPeersTorrent int `yaml:"max_peers_torrent"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeersGlobal == 0 {
		c.MaxPeersGlobal = 200
	}
	if c.MaxPeersTorrent == 0 {
		c.MaxPeersTorrent = 50
	}
	if c.Tracker.UDPListenAddr == "" {
		c.Tracker.UDPListenAddr = "127.0.0.1:0"
	}
	return c
}
