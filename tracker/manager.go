package tracker

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/metainfo"
)

// tier announces to one BEP-12 announce-list tier: try each URL in order
// until one succeeds, then prefer it on the next round.
type tier struct {
	clients []client
	active  int
}

// client is implemented by HTTPClient and a udpClientAdapter, letting a
// Tracker treat both transports uniformly.
type client interface {
	Announce(req AnnounceRequest) (*AnnounceResponse, error)
	String() string
}

type udpClientAdapter struct {
	rawAddr string
	c       *UDPClient
}

func (a *udpClientAdapter) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	return a.c.Announce(req)
}

func (a *udpClientAdapter) String() string { return "udp://" + a.rawAddr }

// Tracker holds every tracker association for a single torrent - the set
// built from a metainfo's announce/announce-list (BEP-12) or a magnet
// link's "tr" parameters - and dispatches announces across them, falling
// back through tiers on failure.
type Tracker struct {
	infoHash core.InfoHash
	peerID   core.PeerID
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	tiers []*tier

	lastTrackerID string
}

// ManagerConfig configures the shared resources a Manager hands out to
// every Tracker it builds.
type ManagerConfig struct {
	Config
	UDPListenAddr string `yaml:"udp_listen_addr"`
}

func (c ManagerConfig) applyDefaults() ManagerConfig {
	c.Config = c.Config.applyDefaults()
	return c
}

// Manager owns the single UDP socket shared by every UDP tracker across
// every torrent, and builds per-torrent Trackers from announce-lists.
type Manager struct {
	config ManagerConfig
	clk    clock.Clock
	peerID core.PeerID
	logger *zap.SugaredLogger

	socket *UDPSocket

	mu          sync.Mutex
	udpClients  map[string]*UDPClient
	httpClients map[string]*HTTPClient
}

// NewManager opens the shared UDP socket and returns a Manager.
func NewManager(config ManagerConfig, clk clock.Clock, peerID core.PeerID, logger *zap.SugaredLogger) (*Manager, error) {
	config = config.applyDefaults()
	socket, err := NewUDPSocket(config.UDPListenAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("new udp socket: %s", err)
	}
	return &Manager{
		config:      config,
		clk:         clk,
		peerID:      peerID,
		logger:      logger,
		socket:      socket,
		udpClients:  make(map[string]*UDPClient),
		httpClients: make(map[string]*HTTPClient),
	}, nil
}

// Close shuts down the shared UDP socket.
func (m *Manager) Close() {
	m.socket.Close()
}

// NewTracker builds a Tracker for infoHash from a BEP-12 announce-list,
// deduping URLs already seen for another torrent's tracker clients.
func (m *Manager) NewTracker(infoHash core.InfoHash, announceList metainfo.AnnounceList) (*Tracker, error) {
	t := &Tracker{
		infoHash: infoHash,
		peerID:   m.peerID,
		logger:   m.logger,
	}
	for _, urls := range announceList {
		tr := &tier{}
		for _, u := range urls {
			c, err := m.clientFor(u)
			if err != nil {
				m.logger.Warnf("skipping tracker %s: %s", u, err)
				continue
			}
			tr.clients = append(tr.clients, c)
		}
		if len(tr.clients) > 0 {
			t.tiers = append(t.tiers, tr)
		}
	}
	if len(t.tiers) == 0 {
		return nil, fmt.Errorf("no usable trackers in announce list")
	}
	return t, nil
}

// clientFor returns the shared client for a tracker URL, creating it on
// first use. http/https URLs use HTTPClient; udp URLs use UDPClient over
// the manager's shared socket.
func (m *Manager) clientFor(rawURL string) (client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %s", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.httpClients[rawURL]; ok {
			return c, nil
		}
		c := NewHTTPClient(rawURL, m.config.Config, m.logger)
		m.httpClients[rawURL] = c
		return c, nil
	case "udp":
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.udpClients[u.Host]; ok {
			return &udpClientAdapter{rawAddr: u.Host, c: c}, nil
		}
		c := NewUDPClient(u.Host, m.socket, m.clk, rand.Uint32(), m.logger)
		m.udpClients[u.Host] = c
		return &udpClientAdapter{rawAddr: u.Host, c: c}, nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

// Announce sends req to the first reachable tracker in each tier,
// preferring the previously successful client within a tier per BEP-12,
// and merges the distinct peers returned across every tier attempted. It
// returns the smallest announce interval reported, or an error only if
// every tier failed outright.
func (t *Tracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	req.PeerID = t.peerID
	req.InfoHash = t.infoHash

	t.mu.Lock()
	req.TrackerID = t.lastTrackerID
	t.mu.Unlock()

	var (
		merged  AnnounceResponse
		seen    = make(map[string]struct{})
		succeed bool
		lastErr error
	)

	for _, tr := range t.tiers {
		resp, err := tr.announce(req, t.logger)
		if err != nil {
			lastErr = err
			continue
		}
		succeed = true
		if resp.TrackerID != "" {
			t.mu.Lock()
			t.lastTrackerID = resp.TrackerID
			t.mu.Unlock()
		}
		if merged.Interval == 0 || resp.Interval < merged.Interval {
			merged.Interval = resp.Interval
		}
		merged.Leechers += resp.Leechers
		merged.Seeders += resp.Seeders
		for _, p := range resp.Peers {
			addr := p.Addr()
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			merged.Peers = append(merged.Peers, p)
		}
	}

	if !succeed {
		return nil, fmt.Errorf("all tracker tiers failed, last error: %s", lastErr)
	}
	return &merged, nil
}

// announce tries each client in the tier starting from the one that last
// succeeded, and makes a newly-successful client the next round's starting
// point; the order of the tier's client list itself is not changed.
func (tr *tier) announce(req AnnounceRequest, logger *zap.SugaredLogger) (*AnnounceResponse, error) {
	n := len(tr.clients)
	var lastErr error
	for i := 0; i < n; i++ {
		idx := (tr.active + i) % n
		c := tr.clients[idx]
		resp, err := c.Announce(req)
		if err != nil {
			logger.Debugf("tracker %s announce failed: %s", c.String(), err)
			lastErr = err
			continue
		}
		tr.active = idx
		return resp, nil
	}
	return nil, lastErr
}
