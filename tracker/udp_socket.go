package tracker

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// UDPSocket is a single UDP socket shared across every UDP tracker a client
// talks to, per spec.md's "single UDP socket is shared across all UDP
// trackers" requirement. Replies are demultiplexed by transaction id.
type UDPSocket struct {
	conn   *net.UDPConn
	logger *zap.SugaredLogger

	mu      sync.Mutex
	pending map[uint32]chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPSocket opens a UDP socket bound to laddr ("" for any available
// local port) and starts its receive loop.
func NewUDPSocket(laddr string, logger *zap.SugaredLogger) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local addr: %s", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %s", err)
	}
	s := &UDPSocket{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint32]chan []byte),
		done:    make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

// Close shuts down the socket and its receive loop.
func (s *UDPSocket) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// SendAndRegister writes payload to addr and returns a channel on which the
// reply sharing txID will arrive. The caller must eventually call
// Deregister(txID) whether or not a reply is received.
func (s *UDPSocket) SendAndRegister(addr *net.UDPAddr, txID uint32, payload []byte) (<-chan []byte, error) {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.pending[txID] = ch
	s.mu.Unlock()

	if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
		s.Deregister(txID)
		return nil, fmt.Errorf("write udp: %s", err)
	}
	return ch, nil
}

// Deregister removes a pending transaction, e.g. after a timeout.
func (s *UDPSocket) Deregister(txID uint32) {
	s.mu.Lock()
	delete(s.pending, txID)
	s.mu.Unlock()
}

func (s *UDPSocket) recvLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Infof("Error reading from udp socket: %s", err)
				return
			}
		}
		if n < 8 {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		txID := uint32(packet[4])<<24 | uint32(packet[5])<<16 | uint32(packet[6])<<8 | uint32(packet[7])

		s.mu.Lock()
		ch, ok := s.pending[txID]
		if ok {
			delete(s.pending, txID)
		}
		s.mu.Unlock()

		if ok {
			ch <- packet
		}
	}
}
