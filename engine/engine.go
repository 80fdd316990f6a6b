// Package engine wires the torrent registry, tracker manager, and VFS
// adaptor together behind the four URL schemes the rest of the media
// center addresses this module through.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/metainfo"
	"github.com/movian/bittorrent/torrent"
	"github.com/movian/bittorrent/tracker"
	"github.com/movian/bittorrent/vfs"
)

// Engine is the top-level entry point: given a magnet link or a .torrent
// blob it produces a registered Torrent and a VFS that can read it.
type Engine struct {
	localID  core.PeerID
	registry *torrent.TorrentRegistry
	trackers *tracker.Manager
	vfs      *vfs.VFS
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	pending map[core.InfoHash]*MagnetLink
}

// New builds an Engine from config, generating a fresh local peer-id.
func New(config Config, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) (*Engine, error) {
	config = config.applyDefaults()

	localID, err := core.GenerateLocalPeerID()
	if err != nil {
		return nil, fmt.Errorf("generate local peer id: %s", err)
	}

	trackers, err := tracker.NewManager(config.Tracker, clk, localID, logger)
	if err != nil {
		return nil, fmt.Errorf("new tracker manager: %s", err)
	}

	registry := torrent.NewRegistry(config.Registry, clk, stats, logger)

	return &Engine{
		localID:  localID,
		registry: registry,
		trackers: trackers,
		vfs:      vfs.New(registry),
		logger:   logger,
		pending:  make(map[core.InfoHash]*MagnetLink),
	}, nil
}

// Close tears down the tracker manager and every registered torrent.
func (e *Engine) Close() {
	e.registry.Close()
	e.trackers.Close()
}

// LocalPeerID returns the process-stable local peer-id advertised to
// every tracker and peer connection.
func (e *Engine) LocalPeerID() core.PeerID { return e.localID }

// OpenMagnet resolves a magnet: URL. If the torrent is already
// registered (its metainfo arrived by some earlier AttachMetainfo call
// or a prior magnet resolution completed), the existing Torrent is
// returned. Otherwise the magnet is recorded as pending: its info-hash
// and trackers are retained so a subsequent AttachMetainfo call (once
// metainfo is obtained, e.g. via BEP-9 extension exchange with a
// connected peer) can complete the registration.
//
// TODO: drive the BEP-9 ut_metadata exchange directly from here once a
// peer handshakes with the extension protocol, instead of requiring an
// external AttachMetainfo call.
func (e *Engine) OpenMagnet(raw string) (*torrent.Torrent, *MagnetLink, error) {
	link, err := ParseMagnet(raw)
	if err != nil {
		return nil, nil, err
	}
	if t, ok := e.registry.Get(link.InfoHash); ok {
		return t, link, nil
	}
	e.mu.Lock()
	e.pending[link.InfoHash] = link
	e.mu.Unlock()
	return nil, link, nil
}

// AttachMetainfo completes a pending magnet resolution (or registers a
// torrent opened directly from a .torrent blob) once full metainfo is
// available, building its tracker association from the metainfo's
// announce-list plus any trackers carried by a pending magnet link, each
// of the latter appended as a tier of its own.
func (e *Engine) AttachMetainfo(mi *metainfo.TorrentInfo) (*torrent.Torrent, error) {
	if t, ok := e.registry.Get(mi.InfoHash); ok {
		return t, nil
	}

	announceList := mi.UpvertedAnnounceList()
	e.mu.Lock()
	pending, hadPending := e.pending[mi.InfoHash]
	delete(e.pending, mi.InfoHash)
	e.mu.Unlock()
	if hadPending {
		for _, tr := range pending.Trackers {
			announceList = append(announceList, []string{tr})
		}
	}

	trk, err := e.trackers.NewTracker(mi.InfoHash, announceList)
	if err != nil {
		return nil, fmt.Errorf("build tracker for %s: %s", mi.InfoHash, err)
	}

	t, err := e.registry.Add(mi, trk)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("registered torrent", "info_hash", mi.InfoHash, "num_pieces", t.NumPieces())
	return t, nil
}

// Browse answers a torrent:browse: request by listing the directory (or
// confirming the file) at req.Path within the torrent's file tree.
func (e *Engine) Browse(req *BrowseRequest, info *metainfo.Info) ([]vfs.Info, error) {
	return e.vfs.Scandir(info, req.Path)
}

// VideoDescriptor identifies the largest file in a torrent, the
// heuristic torrent:video: uses to pick a playable media file.
type VideoDescriptor struct {
	Path string
	Size int64
}

// Video answers a torrent:video: request by picking the largest file in
// the torrent's file tree.
func (e *Engine) Video(req *VideoRequest, info *metainfo.Info) (*VideoDescriptor, error) {
	layout := torrent.NewLayout(info)
	if len(layout.Spans) == 0 {
		return nil, fmt.Errorf("torrent %s has no files", req.InfoHash)
	}
	spans := toFileSpans(layout.Spans)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Length > spans[j].Length })
	largest := spans[0]
	return &VideoDescriptor{Path: largest.Path, Size: largest.Length}, nil
}

type torrentFileSpan struct {
	Path   string
	Length int64
}

func toFileSpans(spans []torrent.FileSpan) []torrentFileSpan {
	out := make([]torrentFileSpan, len(spans))
	for i, s := range spans {
		out[i] = torrentFileSpan{Path: strings.Join(s.Info.Path, "/"), Length: s.Info.Length}
	}
	return out
}

// OpenFile answers a torrentfile:// request with a readable, seekable,
// cancellable Handle over the addressed file.
func (e *Engine) OpenFile(ctx context.Context, req *TorrentFileRequest, info *metainfo.Info) (*vfs.Handle, error) {
	return e.vfs.Open(ctx, req.InfoHash, info, req.Path)
}
