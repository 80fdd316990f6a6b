// Package peerconn implements the BitTorrent peer wire protocol engine: per
// peer TCP connection management, BEP-3 handshaking, and the RUNNING-state
// message pump that the scheduler consumes.
package peerconn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/bandwidth"
	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/wire"
)

// Events defines the callbacks a Conn's owner receives.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages the wire protocol for a single TCP connection to a peer, for
// a single torrent.
type Conn struct {
	peerID      core.PeerID
	infoHash    core.InfoHash
	localPeerID core.PeerID
	createdAt   time.Time

	fastExtension    bool
	extensionProtocol bool
	openedByRemote   bool

	nc        net.Conn
	config    Config
	clk       clock.Clock
	stats     tally.Scope
	bandwidth *bandwidth.Limiter
	events    Events
	logger    *zap.SugaredLogger

	mu                    sync.Mutex
	lastGoodPieceReceived time.Time
	lastPieceSent         time.Time
	lastSent              time.Time

	startOnce sync.Once

	sender   chan *wire.Message
	receiver chan *wire.Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	infoHash core.InfoHash,
	fastExtension bool,
	extensionProtocol bool,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	c := &Conn{
		peerID:            remotePeerID,
		infoHash:          infoHash,
		localPeerID:       localPeerID,
		createdAt:         clk.Now(),
		fastExtension:     fastExtension,
		extensionProtocol: extensionProtocol,
		openedByRemote:    openedByRemote,
		nc:                nc,
		config:            config,
		clk:               clk,
		stats:             stats,
		bandwidth:         bw,
		events:            events,
		logger:            logger,
		sender:            make(chan *wire.Message, config.SenderBufferSize),
		receiver:          make(chan *wire.Message, config.ReceiverBufferSize),
		closed:            atomic.NewBool(false),
		done:              make(chan struct{}),
	}
	return c, nil
}

// Start begins the read/write pumps. Safe to call multiple times.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this connection serves.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the Conn was constructed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// OpenedByRemote reports whether the remote peer initiated this connection.
func (c *Conn) OpenedByRemote() bool { return c.openedByRemote }

// SupportsFastExtension reports whether BEP-6 was negotiated.
func (c *Conn) SupportsFastExtension() bool { return c.fastExtension }

// SupportsExtensionProtocol reports whether BEP-10 was negotiated.
func (c *Conn) SupportsExtensionProtocol() bool { return c.extensionProtocol }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// Send enqueues msg for writing. A nil msg sends a keepalive frame.
func (c *Conn) Send(msg *wire.Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- msg:
		return nil
	default:
		id := "keepalive"
		if msg != nil {
			id = msg.ID.String()
		}
		c.stats.Tagged(map[string]string{"dropped_message_type": id}).Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// Receiver returns the channel of inbound messages. A nil message on this
// channel signals a keepalive was received.
func (c *Conn) Receiver() <-chan *wire.Message { return c.receiver }

// Close starts an idempotent shutdown of the Conn.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			if err := c.nc.SetReadDeadline(c.clk.Now().Add(c.config.IdleTimeout)); err != nil {
				c.log().Infof("Error setting read deadline, exiting read loop: %s", err)
				return
			}
			msg, err := c.readMessage()
			if err != nil {
				if err != io.EOF {
					c.log().Infof("Error reading message from socket, exiting read loop: %s", err)
				}
				return
			}
			if msg != nil && msg.ID == wire.Piece {
				c.touchLastGoodPieceReceived()
			}
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) readMessage() (*wire.Message, error) {
	msg, err := wire.Read(c.nc)
	if err != nil {
		return nil, fmt.Errorf("read message: %s", err)
	}
	return msg, nil
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	ticker := c.clk.Ticker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.sendMessage(msg); err != nil {
				c.log().Infof("Error writing message to socket, exiting write loop: %s", err)
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			idle := c.clk.Now().Sub(c.lastSent) >= c.config.KeepAliveInterval
			c.mu.Unlock()
			if idle {
				if err := c.sendMessage(nil); err != nil {
					c.log().Infof("Error writing keepalive, exiting write loop: %s", err)
					return
				}
			}
		}
	}
}

func (c *Conn) sendMessage(msg *wire.Message) error {
	if msg != nil && msg.ID == wire.Piece && c.bandwidth != nil {
		if err := c.bandwidth.ReserveEgress(int64(len(msg.Block))); err != nil {
			c.log().Errorf("Error reserving egress bandwidth for piece payload: %s", err)
			return fmt.Errorf("egress bandwidth: %s", err)
		}
	}
	if err := c.nc.SetWriteDeadline(c.clk.Now().Add(c.config.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	if err := wire.Write(c.nc, msg); err != nil {
		return fmt.Errorf("write message: %s", err)
	}
	c.mu.Lock()
	c.lastSent = c.clk.Now()
	if msg != nil && msg.ID == wire.Piece {
		c.lastPieceSent = c.lastSent
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) touchLastGoodPieceReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastGoodPieceReceived = c.clk.Now()
}

// LastGoodPieceReceived returns the last time a PIECE message was read.
func (c *Conn) LastGoodPieceReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGoodPieceReceived
}

// LastPieceSent returns the last time a PIECE message was written.
func (c *Conn) LastPieceSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPieceSent
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
