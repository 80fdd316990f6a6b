package torrent

import (
	"fmt"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/diskcache"
	"github.com/movian/bittorrent/hashverify"
	"github.com/movian/bittorrent/metainfo"
	"github.com/movian/bittorrent/scheduler"
	"github.com/movian/bittorrent/tracker"
)

// RegistryConfig configures a TorrentRegistry's shared resources.
type RegistryConfig struct {
	Torrent   Config            `yaml:"torrent"`
	Cache     diskcache.Config  `yaml:"cache"`
	Scheduler scheduler.Config  `yaml:"scheduler"`
	Verifier  hashverify.Config `yaml:"verifier"`
}

// TorrentRegistry owns the set of active torrents and the resources they
// share: a single hash-verification worker (dispatching its results back
// to the owning Torrent by infohash) and the disk cache directory subject
// to a single global eviction budget. This replaces what spec.md §9
// describes as global-mutable piece and peer lists rooted at a
// module-level torrent list.
type TorrentRegistry struct {
	config   RegistryConfig
	clk      clock.Clock
	stats    tally.Scope
	logger   *zap.SugaredLogger
	verifier *hashverify.Verifier

	mu       sync.RWMutex
	torrents map[core.InfoHash]*Torrent

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry starts the shared verifier and its result-dispatch loop.
func NewRegistry(config RegistryConfig, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *TorrentRegistry {
	v := hashverify.New(config.Verifier, stats.SubScope("hashverify"), logger)
	v.Start()

	r := &TorrentRegistry{
		config:   config,
		clk:      clk,
		stats:    stats,
		logger:   logger,
		verifier: v,
		torrents: make(map[core.InfoHash]*Torrent),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.dispatchResults()
	return r
}

func (r *TorrentRegistry) dispatchResults() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case res, ok := <-r.verifier.Results():
			if !ok {
				return
			}
			r.mu.RLock()
			t, found := r.torrents[res.Job.InfoHash]
			r.mu.RUnlock()
			if !found {
				continue
			}
			t.OnVerifyResult(res)
		}
	}
}

// Close stops the dispatch loop, the shared verifier, and every torrent's
// disk cache handle.
func (r *TorrentRegistry) Close() {
	close(r.done)
	r.verifier.Stop()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.torrents {
		t.Close()
	}
}

// Add builds a Torrent for mi, registers it, and returns it. Returns an
// error if a torrent for this infohash is already registered.
func (r *TorrentRegistry) Add(mi *metainfo.TorrentInfo, trk *tracker.Tracker) (*Torrent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.torrents[mi.InfoHash]; exists {
		return nil, fmt.Errorf("torrent %s already registered", mi.InfoHash)
	}

	t, err := New(
		mi,
		r.config.Torrent,
		r.config.Cache,
		r.config.Scheduler,
		trk,
		r.verifier,
		r.clk,
		r.stats.Tagged(map[string]string{"torrent": mi.InfoHash.Hex()}),
		r.logger,
	)
	if err != nil {
		return nil, err
	}
	r.torrents[mi.InfoHash] = t
	return t, nil
}

// Get returns the registered Torrent for infoHash, if any.
func (r *TorrentRegistry) Get(infoHash core.InfoHash) (*Torrent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.torrents[infoHash]
	return t, ok
}

// Remove closes and forgets the torrent for infoHash.
func (r *TorrentRegistry) Remove(infoHash core.InfoHash) {
	r.mu.Lock()
	t, ok := r.torrents[infoHash]
	delete(r.torrents, infoHash)
	r.mu.Unlock()
	if ok {
		t.Close()
	}
}

// TickAll runs one scheduling pass across every registered torrent.
func (r *TorrentRegistry) TickAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.torrents {
		t.Tick()
	}
}

// ChokeAll runs one periodic choke/unchoke evaluation across every peer of
// every registered torrent, per spec.md §4.1's 5-second choke pass.
func (r *TorrentRegistry) ChokeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.torrents {
		t.ChokeAll()
	}
}

// EvictExcess runs a global disk cache eviction pass: every registered
// torrent is "active" and exempt from deletion, per spec.md §4.5.1;
// inactive torrents' cache files (from a prior process run, or a torrent
// removed without its cache being cleaned up) are evicted oldest-first
// until usage fits within the byte budget computed from freeDisk and
// inactiveBytes. An active torrent whose own cache still exceeds the
// budget after that pass (there being no inactive torrent left to reclaim
// from) shrinks its own slot window instead, per spec.md §4.5.1's
// self-shrink fallback.
func (r *TorrentRegistry) EvictExcess(freeDisk int64) (int64, error) {
	r.mu.RLock()
	active := make(map[core.InfoHash]bool, len(r.torrents))
	torrents := make([]*Torrent, 0, len(r.torrents))
	var activeBytes int64
	for ih, t := range r.torrents {
		active[ih] = true
		activeBytes += t.CacheUsedBytes()
		torrents = append(torrents, t)
	}
	r.mu.RUnlock()

	inactiveBytes, err := diskcache.InactiveBytes(r.config.Cache.Dir, active)
	if err != nil {
		return 0, err
	}
	budget := diskcache.Budget(freeDisk, activeBytes, inactiveBytes, r.config.Cache.FreeSpacePercentage)
	freed, err := diskcache.Evict(r.config.Cache.Dir, budget, active, r.logger)
	if err != nil {
		return freed, err
	}

	for _, t := range torrents {
		if t.CacheUsedBytes() <= budget {
			continue
		}
		if err := t.ShrinkCache(); err != nil {
			r.logger.Warnf("shrink cache for %s: %s", t.InfoHash(), err)
			continue
		}
		r.logger.Infof("shrank own cache window for %s: allocation exceeded budget", t.InfoHash())
	}
	return freed, nil
}
