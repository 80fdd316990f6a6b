// Package torrent ties together a single torrent's scheduler, hash
// verifier, on-disk cache, and tracker association, translating wire
// protocol events into scheduling decisions and piece lifecycle
// transitions.
package torrent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/diskcache"
	"github.com/movian/bittorrent/hashverify"
	"github.com/movian/bittorrent/internal/syncutil"
	"github.com/movian/bittorrent/metainfo"
	"github.com/movian/bittorrent/peerconn"
	"github.com/movian/bittorrent/reactor"
	"github.com/movian/bittorrent/scheduler"
	"github.com/movian/bittorrent/tracker"
	"github.com/movian/bittorrent/wire"
)

// Torrent implements reactor.Callbacks: an external dispatcher (or, as
// today, AddPeer/RemovePeer/HandleMessage called directly) drives a peer's
// lifecycle through these hooks.
var _ reactor.Callbacks = (*Torrent)(nil)

// Torrent owns every piece of state specific to downloading and seeding a
// single infohash: the scheduler's peer/piece bookkeeping, in-flight piece
// buffers awaiting hash verification, the on-disk cache they graduate
// into, and the tracker association used to find peers.
type Torrent struct {
	infoHash      core.InfoHash
	info          *metainfo.Info
	metainfoBytes []byte
	config        Config
	clk           clock.Clock
	stats         tally.Scope
	logger        *zap.SugaredLogger

	scheduler *scheduler.Scheduler
	cache     *diskcache.Cache
	tracker   *tracker.Tracker
	verifier  *hashverify.Verifier

	mu            sync.Mutex
	peers         map[core.PeerID]*peerconn.Peer
	bitfield      *syncutil.Bitfield
	inFlight      map[int]*pieceBuffer
	waiters       map[int][]chan struct{}
	pendingUpload map[core.PeerID][]*wire.Message
}

// New returns a Torrent for the given metainfo, opening its on-disk cache
// under cacheDir and building a fresh Scheduler. t is not yet announcing;
// call Announce to begin.
func New(
	mi *metainfo.TorrentInfo,
	config Config,
	cacheConfig diskcache.Config,
	schedConfig scheduler.Config,
	trk *tracker.Tracker,
	verifier *hashverify.Verifier,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) (*Torrent, error) {
	config = config.applyDefaults()
	cacheConfig = cacheConfig.applyDefaults()

	numPieces := mi.Info.NumPieces()
	pieceLen := func(i int) int64 { return mi.Info.PieceLen(i) }

	raw := mi.RawInfo
	cache, err := diskcache.Open(cacheConfig.Dir, mi.InfoHash, raw, numPieces, pieceLen, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %s", err)
	}

	bf := syncutil.NewBitfieldSize(uint(numPieces))
	for _, i := range cache.OnDiskPieces() {
		bf.Set(uint(i), true)
	}

	sched := scheduler.New(mi.InfoHash, schedConfig, clk, stats, logger)
	for i := 0; i < numPieces; i++ {
		if bf.Has(uint(i)) {
			continue
		}
		sched.AddPiece(scheduler.NewPiece(i, int(pieceLen(i))))
	}

	return &Torrent{
		infoHash:      mi.InfoHash,
		info:          &mi.Info,
		metainfoBytes: raw,
		config:        config,
		clk:           clk,
		stats:         stats,
		logger:        logger,
		scheduler:     sched,
		cache:         cache,
		tracker:       trk,
		verifier:      verifier,
		peers:         make(map[core.PeerID]*peerconn.Peer),
		bitfield:      bf,
		inFlight:      make(map[int]*pieceBuffer),
		waiters:       make(map[int][]chan struct{}),
		pendingUpload: make(map[core.PeerID][]*wire.Message),
	}, nil
}

// InfoHash returns the torrent's identity.
func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int { return t.info.NumPieces() }

// Complete reports whether every piece has been hash-verified and written.
func (t *Torrent) Complete() bool { return t.bitfield.Complete() }

// BitfieldPayload returns our own BITFIELD message payload to send peers
// on handshake.
func (t *Torrent) BitfieldPayload() []byte { return t.bitfield.MarshalBinary() }

// Close releases the on-disk cache handle.
func (t *Torrent) Close() error { return t.cache.Close() }

// CacheUsedBytes returns the number of bytes this torrent's own on-disk
// cache currently occupies.
func (t *Torrent) CacheUsedBytes() int64 { return t.cache.UsedBytes() }

// ShrinkCache halves the torrent's own on-disk slot window, used by
// TorrentRegistry.EvictExcess when this torrent's allocation alone
// exceeds the eviction budget, per spec.md §4.5.1.
func (t *Torrent) ShrinkCache() error { return t.cache.ShrinkWindow() }

// AddPeer begins scheduling p, which must already be RUNNING, and sends it
// the initial protocol state per spec.md §4.1.
func (t *Torrent) AddPeer(p *peerconn.Peer) *scheduler.Peer {
	p.InitBitfield(t.info.NumPieces())
	t.mu.Lock()
	t.peers[p.ID] = p
	t.mu.Unlock()
	sp := t.scheduler.AddPeer(p)
	t.OnConnect(p.ID)
	return sp
}

// RemovePeer stops scheduling the peer with id.
func (t *Torrent) RemovePeer(id core.PeerID) {
	t.mu.Lock()
	delete(t.peers, id)
	delete(t.pendingUpload, id)
	t.mu.Unlock()
	t.scheduler.RemovePeer(id)
}

// OnConnect implements reactor.Callbacks. Once a peer reaches RUNNING it
// sends the "initial set": the BEP-10 extension handshake if the
// Extension Protocol was negotiated, advertising ut_metadata, followed by
// our BITFIELD, per spec.md §4.1. A peer that never learns what we have
// cannot request from us.
func (t *Torrent) OnConnect(peerID core.PeerID) {
	t.mu.Lock()
	p, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.sendInitialSet(p); err != nil {
		t.logger.Warnf("send initial set to %s: %s", peerID, err)
	}
}

// OnRead implements reactor.Callbacks by routing an inbound message
// through HandleMessage. A nil msg (keepalive) is dropped.
func (t *Torrent) OnRead(peerID core.PeerID, msg *wire.Message) {
	if msg == nil {
		return
	}
	t.mu.Lock()
	p, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.HandleMessage(peerID, p, msg); err != nil {
		t.logger.Warnf("handle message from %s: %s", peerID, err)
	}
}

// OnTimeout implements reactor.Callbacks by closing the idle connection;
// Conn's own read loop already enforces spec.md §4.1's idle timeout, so
// this only covers a reactor-driven watchdog layered on top of it.
func (t *Torrent) OnTimeout(peerID core.PeerID) {
	t.mu.Lock()
	p, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if c := p.Conn(); c != nil {
		c.Close()
	}
}

// OnClose implements reactor.Callbacks by forgetting the peer.
func (t *Torrent) OnClose(peerID core.PeerID) { t.RemovePeer(peerID) }

func (t *Torrent) sendInitialSet(p *peerconn.Peer) error {
	c := p.Conn()
	if c == nil {
		return nil
	}
	if p.Flags().ExtensionProto {
		hs, err := peerconn.BuildExtensionHandshake(len(t.metainfoBytes))
		if err != nil {
			return fmt.Errorf("build extension handshake: %s", err)
		}
		if err := c.Send(wire.NewExtension(peerconn.ExtensionHandshakeID, hs)); err != nil {
			return fmt.Errorf("send extension handshake: %s", err)
		}
	}
	return c.Send(wire.NewBitfield(t.BitfieldPayload()))
}

// recomputeInterest updates p's local interest per spec.md §4.1: the
// local side is interested in a peer iff the peer has any piece we have
// not yet completed. INTERESTED/NOT_INTERESTED is sent only on an actual
// transition, never on every recomputation.
func (t *Torrent) recomputeInterest(p *peerconn.Peer) error {
	interested := false
	if peerBf := p.Bitfield(); peerBf != nil {
		for i := 0; i < t.info.NumPieces(); i++ {
			if !t.bitfield.Has(uint(i)) && peerBf.Has(uint(i)) {
				interested = true
				break
			}
		}
	}

	flags := p.Flags()
	if flags.AmInterested == interested {
		return nil
	}
	flags.AmInterested = interested
	p.SetFlags(flags)

	c := p.Conn()
	if c == nil {
		return nil
	}
	id := wire.NotInterested
	if interested {
		id = wire.Interested
	}
	return c.Send(&wire.Message{ID: id})
}

// recomputeInterestForAll re-evaluates local interest for every peer
// currently attached to this torrent, used when our own bitfield changes
// (a newly completed piece may have been the only reason we were
// interested in some peer).
func (t *Torrent) recomputeInterestForAll() {
	t.mu.Lock()
	peers := make([]*peerconn.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		if err := t.recomputeInterest(p); err != nil {
			t.logger.Warnf("send interest to %s: %s", p.ID, err)
		}
	}
}

// Tick runs one scheduling pass, issuing REQUESTs for waiting blocks.
func (t *Torrent) Tick() { t.scheduler.Schedule() }

// HandleMessage applies an incoming wire message from peerID to the
// torrent's scheduling and piece-assembly state.
func (t *Torrent) HandleMessage(peerID core.PeerID, p *peerconn.Peer, msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		f := p.Flags()
		f.PeerChoking = true
		p.SetFlags(f)
		t.scheduler.OnChoked(peerID)
	case wire.Unchoke:
		f := p.Flags()
		f.PeerChoking = false
		p.SetFlags(f)
	case wire.Interested:
		f := p.Flags()
		f.PeerInterested = true
		p.SetFlags(f)
	case wire.NotInterested:
		f := p.Flags()
		f.PeerInterested = false
		p.SetFlags(f)
	case wire.Have:
		if bf := p.Bitfield(); bf != nil {
			bf.Set(uint(msg.Index), true)
		}
		t.scheduler.OnHaveRefresh(peerID, int(msg.Index))
		return t.recomputeInterest(p)
	case wire.Bitfield:
		if bf := p.Bitfield(); bf != nil {
			bf.UnmarshalBitfield(msg.Bitfield)
			for i := 0; i < t.info.NumPieces(); i++ {
				if bf.Has(uint(i)) {
					t.scheduler.OnHaveRefresh(peerID, i)
				}
			}
		}
		return t.recomputeInterest(p)
	case wire.HaveAll:
		if bf := p.Bitfield(); bf != nil {
			bf.SetAll(true)
			for i := 0; i < t.info.NumPieces(); i++ {
				t.scheduler.OnHaveRefresh(peerID, i)
			}
		}
		return t.recomputeInterest(p)
	case wire.HaveNone:
		return t.recomputeInterest(p)
	case wire.Request:
		return t.handleUploadRequest(p, msg)
	case wire.Piece:
		return t.handlePiece(peerID, int(msg.Index), int(msg.Begin), msg.Block)
	case wire.Reject:
		t.scheduler.OnReject(peerID, int(msg.Index), int(msg.Begin), int(msg.Length))
	case wire.Cancel, wire.AllowedFast, wire.Extension:
		// Upload-queue cancellation, fast-extension allowed sets, and the
		// extension protocol are handled above this layer.
	}
	return nil
}

// handleUploadRequest answers an incoming REQUEST. A peer we are choking
// gets queued instead of served immediately; the queue drains on the next
// ChokeAll pass that unchokes it, or is rejected (if the Fast Extension is
// active) the next pass that confirms the choke, per spec.md §4.1.
func (t *Torrent) handleUploadRequest(p *peerconn.Peer, msg *wire.Message) error {
	p.Stats().IncrementRequestsReceived()
	if p.Flags().AmChoking {
		t.mu.Lock()
		t.pendingUpload[p.ID] = append(t.pendingUpload[p.ID], msg)
		t.mu.Unlock()
		return nil
	}
	return t.sendPiece(p, msg)
}

func (t *Torrent) sendPiece(p *peerconn.Peer, msg *wire.Message) error {
	data, err := t.cache.ReadPiece(int(msg.Index))
	if err != nil {
		return nil
	}
	end := int(msg.Begin) + int(msg.Length)
	if int(msg.Begin) < 0 || end > len(data) {
		return fmt.Errorf("upload request out of bounds for piece %d", msg.Index)
	}
	c := p.Conn()
	if c == nil {
		return nil
	}
	if err := c.Send(wire.NewPiece(int(msg.Index), int(msg.Begin), data[msg.Begin:end])); err != nil {
		return nil
	}
	p.TouchPieceSent()
	return nil
}

// ChokeAll runs one periodic choke/unchoke evaluation across every peer
// attached to this torrent, per spec.md §4.1's 5-second choke pass: each
// peer's desired choke state is recomputed from whether it is interested
// in us and whether it already has every piece we have, and
// peerconn.ChokeDecision sends CHOKE/UNCHOKE only on a transition. A peer
// newly unchoked has its queued upload requests served; a peer that stays
// or becomes choked keeps (or, if rejected via the Fast Extension, loses)
// its queue.
func (t *Torrent) ChokeAll() {
	t.mu.Lock()
	peers := make([]*peerconn.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		t.choke(p)
	}
}

func (t *Torrent) choke(p *peerconn.Peer) {
	peerHasEverything := t.peerHasEverythingWeHave(p.Bitfield())

	t.mu.Lock()
	pending := append([]*wire.Message(nil), t.pendingUpload[p.ID]...)
	t.mu.Unlock()

	wasChoking := p.Flags().AmChoking
	if err := peerconn.ChokeDecision(p, peerHasEverything, pending); err != nil {
		t.logger.Warnf("choke decision for %s: %s", p.ID, err)
		return
	}

	if p.Flags().AmChoking {
		if !wasChoking {
			// Freshly choked: ChokeDecision already rejected pending, if the
			// Fast Extension allowed it. Either way, stop carrying them.
			t.mu.Lock()
			delete(t.pendingUpload, p.ID)
			t.mu.Unlock()
		}
		return
	}

	t.mu.Lock()
	delete(t.pendingUpload, p.ID)
	t.mu.Unlock()
	for _, msg := range pending {
		if err := t.sendPiece(p, msg); err != nil {
			t.logger.Warnf("serve queued upload request to %s: %s", p.ID, err)
		}
	}
}

// peerHasEverythingWeHave reports whether peerBf (nil if not yet known)
// already holds every piece in our own bitfield.
func (t *Torrent) peerHasEverythingWeHave(peerBf *syncutil.Bitfield) bool {
	if peerBf == nil {
		return false
	}
	for i := 0; i < t.info.NumPieces(); i++ {
		if t.bitfield.Has(uint(i)) && !peerBf.Has(uint(i)) {
			return false
		}
	}
	return true
}

func (t *Torrent) handlePiece(peerID core.PeerID, index, begin int, data []byte) error {
	result, err := t.scheduler.OnBlockDelivered(peerID, index, begin, data)
	if err != nil || result.Duplicate {
		return err
	}

	t.mu.Lock()
	buf, ok := t.inFlight[index]
	if !ok {
		buf = newPieceBuffer(index, int(t.info.PieceLen(index)))
		t.inFlight[index] = buf
	}
	done, err := buf.put(begin, data)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	t.submitVerification(index, buf.data)
	return nil
}

// submitVerification hands a completed piece's buffer to the torrent's
// verifier, forgetting the in-flight buffer: verification owns the data
// from here until OnVerifyResult fires.
func (t *Torrent) submitVerification(index int, data []byte) bool {
	t.mu.Lock()
	delete(t.inFlight, index)
	t.mu.Unlock()

	piece, ok := t.scheduler.Piece(index)
	if !ok {
		return false
	}
	return t.verifier.Submit(hashverify.Job{
		InfoHash:     t.infoHash,
		PieceIndex:   index,
		Data:         data,
		ExpectedHash: t.info.PieceHash(index),
		Contributors: piece.Contributors(),
	})
}

// OnVerifyResult applies the outcome of a completed hash verification job:
// on success the piece is written to disk, marked complete in the
// bitfield, and any VFS readers waiting on it are released; on failure the
// piece is handed back to the scheduler for redownload and the blamed
// peer's connection is closed if it crossed the bad-peer threshold.
func (t *Torrent) OnVerifyResult(r hashverify.Result) {
	index := r.Job.PieceIndex

	if r.OK {
		if err := t.cache.WritePiece(index, r.Job.Data); err != nil {
			t.logger.Errorf("write verified piece %d: %s", index, err)
		}
		t.scheduler.RemovePiece(index)
		t.bitfield.Set(uint(index), true)
		t.releaseWaiters(index)
		t.recomputeInterestForAll()
		return
	}

	t.scheduler.RemovePiece(index)
	t.scheduler.AddPiece(scheduler.NewPiece(index, len(r.Job.Data)))

	if r.BlamedPeerValid && r.BlamedPeerBad {
		t.mu.Lock()
		p, ok := t.peers[r.BlamedPeer]
		t.mu.Unlock()
		if ok {
			if c := p.Conn(); c != nil {
				c.Close()
			}
		}
	}
}

// SetPieceDeadline sets the read deadline used for duplicate-request
// racing on an in-progress piece, per spec.md §4.2. A no-op for a piece
// already complete.
func (t *Torrent) SetPieceDeadline(index int, deadline time.Time) {
	if p, ok := t.scheduler.Piece(index); ok {
		p.Deadline = deadline
	}
}

// ReadPiece returns a completed piece's bytes from the on-disk cache.
func (t *Torrent) ReadPiece(index int) ([]byte, error) {
	return t.cache.ReadPiece(index)
}

// WaitForPiece blocks until piece index is hash-verified and on disk, or
// ctx is done.
func (t *Torrent) WaitForPiece(ctx context.Context, index int) error {
	t.mu.Lock()
	if t.bitfield.Has(uint(index)) {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters[index] = append(t.waiters[index], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Torrent) releaseWaiters(index int) {
	t.mu.Lock()
	chans := t.waiters[index]
	delete(t.waiters, index)
	t.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// Announce sends an announce request to the torrent's tracker, reporting
// progress derived from the on-disk cache's used bytes.
func (t *Torrent) Announce(event tracker.Event, port uint16) (*tracker.AnnounceResponse, error) {
	left := t.info.TotalLength() - t.cache.UsedBytes()
	if left < 0 {
		left = 0
	}
	return t.tracker.Announce(tracker.AnnounceRequest{
		Port:     port,
		Left:     left,
		Uploaded: 0,
		Event:    event,
	})
}

// WastedBytes returns the running total of duplicate/unsolicited PIECE
// bytes received across every peer for this torrent.
func (t *Torrent) WastedBytes() int64 { return t.scheduler.WastedBytes() }
