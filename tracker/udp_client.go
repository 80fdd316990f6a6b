package tracker

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

type udpState int

// UDP tracker connection states. A UDPClient starts PENDING_DNS, resolves
// its address, moves to CONNECTING while a connect handshake is in flight,
// and settles on CONNECTED once it holds a live connection id. A connection
// id expires after 1 minute per BEP-15 and the client falls back to
// CONNECTING transparently on the next announce.
const (
	udpPendingDNS udpState = iota
	udpConnecting
	udpConnected
)

// connectionIDLifetime is the BEP-15 validity window for a connection id.
const connectionIDLifetime = 1 * time.Minute

// maxConnectAttempts bounds the 15*2^attempt retransmit schedule before an
// announce gives up and reports an error.
const maxConnectAttempts = 8

// UDPClient announces to a single BEP-15 UDP tracker over a socket shared
// with every other UDP tracker a client talks to.
type UDPClient struct {
	rawAddr string
	socket  *UDPSocket
	clk     clock.Clock
	key     uint32
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	state     udpState
	addr      *net.UDPAddr
	connID    uint64
	connSetAt time.Time
}

// NewUDPClient returns a client for the UDP tracker at rawAddr
// ("host:port", no scheme), using the given shared socket.
func NewUDPClient(rawAddr string, socket *UDPSocket, clk clock.Clock, key uint32, logger *zap.SugaredLogger) *UDPClient {
	return &UDPClient{
		rawAddr: rawAddr,
		socket:  socket,
		clk:     clk,
		key:     key,
		logger:  logger,
		state:   udpPendingDNS,
	}
}

// Announce drives the client through PENDING_DNS / CONNECTING as needed and
// performs a BEP-15 announce, retrying the connect handshake on the
// 15*2^attempt schedule.
func (c *UDPClient) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	addr, err := c.resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %s", c.rawAddr, err)
	}

	connID, err := c.connectionID(addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %s", c.rawAddr, err)
	}

	resp, err := c.announce(addr, connID, req)
	if err != nil {
		// A stale connection id manifests as a tracker error reply; drop it
		// and retry once with a fresh connect.
		c.mu.Lock()
		c.state = udpPendingDNS
		c.mu.Unlock()

		connID, cerr := c.connectionID(addr)
		if cerr != nil {
			return nil, fmt.Errorf("reconnect %s: %s", c.rawAddr, cerr)
		}
		return c.announce(addr, connID, req)
	}
	return resp, nil
}

func (c *UDPClient) resolve() (*net.UDPAddr, error) {
	c.mu.Lock()
	if c.state != udpPendingDNS && c.addr != nil {
		addr := c.addr
		c.mu.Unlock()
		return addr, nil
	}
	c.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", c.rawAddr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.addr = addr
	if c.state == udpPendingDNS {
		c.state = udpConnecting
	}
	c.mu.Unlock()
	return addr, nil
}

// connectionID returns a live connection id, performing the connect
// handshake (with retransmits) if none is cached or the cached one expired.
func (c *UDPClient) connectionID(addr *net.UDPAddr) (uint64, error) {
	c.mu.Lock()
	if c.state == udpConnected && c.clk.Now().Sub(c.connSetAt) < connectionIDLifetime {
		connID := c.connID
		c.mu.Unlock()
		return connID, nil
	}
	c.state = udpConnecting
	c.mu.Unlock()

	connID, err := c.connect(addr)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.connID = connID
	c.connSetAt = c.clk.Now()
	c.state = udpConnected
	c.mu.Unlock()
	return connID, nil
}

// connect performs the connect handshake, retransmitting on the
// 15*2^attempt schedule defined by BEP-15 until a reply arrives or
// maxConnectAttempts is exceeded.
func (c *UDPClient) connect(addr *net.UDPAddr) (uint64, error) {
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		txID := newTxID()
		replyCh, err := c.socket.SendAndRegister(addr, txID, encodeUDPConnectRequest(txID))
		if err != nil {
			return 0, err
		}

		timeout := connectRetransmitDelay(attempt)
		select {
		case buf := <-replyCh:
			connID, err := decodeUDPConnectResponse(buf, txID)
			if err != nil {
				return 0, err
			}
			return connID, nil
		case <-c.clk.After(timeout):
			c.socket.Deregister(txID)
			c.logger.Debugf("udp tracker %s: connect attempt %d timed out after %s", c.rawAddr, attempt, timeout)
		}
	}
	return 0, fmt.Errorf("connect handshake timed out after %d attempts", maxConnectAttempts)
}

// announce sends a single announce request, retrying the same way the
// connect handshake does.
func (c *UDPClient) announce(addr *net.UDPAddr, connID uint64, req AnnounceRequest) (*AnnounceResponse, error) {
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		txID := newTxID()
		payload := encodeUDPAnnounceRequest(connID, txID, req, c.key)
		replyCh, err := c.socket.SendAndRegister(addr, txID, payload)
		if err != nil {
			return nil, err
		}

		timeout := connectRetransmitDelay(attempt)
		select {
		case buf := <-replyCh:
			return decodeUDPAnnounceResponse(buf, txID)
		case <-c.clk.After(timeout):
			c.socket.Deregister(txID)
			c.logger.Debugf("udp tracker %s: announce attempt %d timed out after %s", c.rawAddr, attempt, timeout)
		}
	}
	return nil, fmt.Errorf("announce timed out after %d attempts", maxConnectAttempts)
}

// connectRetransmitDelay implements BEP-15's 15*2^attempt retransmission
// timer, used for both the connect handshake and announce requests.
func connectRetransmitDelay(attempt int) time.Duration {
	return time.Duration(15*math.Pow(2, float64(attempt))) * time.Second
}
