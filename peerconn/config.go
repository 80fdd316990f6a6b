package peerconn

import (
	"time"

	"github.com/movian/bittorrent/bandwidth"
)

// Config configures connection handshaking and framing.
type Config struct {

	// ConnectTimeout bounds dialing a new outbound connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// HandshakeTimeout bounds writing and reading the handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// IdleTimeout is the read deadline once a connection is RUNNING with no
	// traffic.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// KeepAliveInterval is how long the write side may go idle before a
	// keepalive frame is sent.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// SenderBufferSize is the size of the outbound message channel.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the size of the inbound message channel.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 60 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 256
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 256
	}
	return c
}
