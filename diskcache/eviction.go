package diskcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
)

// cacheFileSuffix is the extension of a per-torrent cache file.
const cacheFileSuffix = ".tc"

// Budget computes the global byte budget spec.md §4.5.1 defines:
// (free_disk + active_bytes + inactive_bytes) * free_percentage / 100.
func Budget(freeDisk, activeBytes, inactiveBytes int64, freePercentage float64) int64 {
	total := float64(freeDisk+activeBytes+inactiveBytes) * freePercentage / 100
	return int64(total)
}

// entry describes one on-disk cache file considered for eviction.
type entry struct {
	path     string
	infoHash core.InfoHash
	size     int64
	modTime  int64
}

// Scan lists every "*.tc" file in dir, sorted by modification time
// ascending (oldest first), matching spec.md §4.5.1's "torrent_diskio_scan".
func Scan(dir string) ([]entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %s", err)
	}
	var out []entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), cacheFileSuffix) {
			continue
		}
		hexHash := strings.TrimSuffix(f.Name(), cacheFileSuffix)
		ih, err := core.NewInfoHashFromHex(hexHash)
		if err != nil {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{
			path:     filepath.Join(dir, f.Name()),
			infoHash: ih,
			size:     info.Size(),
			modTime:  info.ModTime().UnixNano(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].modTime < out[j].modTime })
	return out, nil
}

// InactiveBytes returns the total size of every ".tc" file in dir whose
// infohash is not in active, for use in Budget's inactive_bytes term.
func InactiveBytes(dir string, active map[core.InfoHash]bool) (int64, error) {
	entries, err := Scan(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if active[e.infoHash] {
			continue
		}
		total += e.size
	}
	return total, nil
}

// Evict deletes inactive torrents' cache files, oldest first, until usage
// in dir drops to or below budgetBytes or nothing more can be deleted
// (every remaining file belongs to an active torrent). Returns the number
// of bytes freed.
func Evict(dir string, budgetBytes int64, active map[core.InfoHash]bool, logger *zap.SugaredLogger) (int64, error) {
	entries, err := Scan(dir)
	if err != nil {
		return 0, err
	}

	var used int64
	for _, e := range entries {
		used += e.size
	}

	var freed int64
	for _, e := range entries {
		if used-freed <= budgetBytes {
			break
		}
		if active[e.infoHash] {
			continue
		}
		if err := os.Remove(e.path); err != nil {
			logger.Warnf("evict %s: %s", e.path, err)
			continue
		}
		freed += e.size
		logger.Infof("evicted inactive torrent cache %s (%d bytes)", e.infoHash, e.size)
	}
	return freed, nil
}
