// Package vfs implements the torrentfile:// virtual filesystem adaptor:
// byte-addressable, read-only access into a torrent's file tree, backed
// by a torrent.TorrentRegistry. Reads block until the pieces they need
// are hash-verified and on disk, or the caller's context is cancelled.
package vfs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/metainfo"
	"github.com/movian/bittorrent/torrent"
)

// ErrNotFound is returned by Open/Stat/Scandir for a path with no match in
// the torrent's file tree.
type ErrNotFound struct {
	Path string
}

func (e *ErrNotFound) Error() string { return fmt.Sprintf("torrentfile: not found: %s", e.Path) }

// Info describes one entry in a torrent's file tree, as returned by Stat
// and Scandir.
type Info struct {
	Name  string
	Size  int64
	IsDir bool
}

// VFS resolves torrentfile://<hex infohash>/<path> URLs against a shared
// torrent registry.
type VFS struct {
	registry *torrent.TorrentRegistry
}

// New returns a VFS backed by registry.
func New(registry *torrent.TorrentRegistry) *VFS {
	return &VFS{registry: registry}
}

func (v *VFS) torrentAndLayout(infoHash core.InfoHash, info *metainfo.Info) (*torrent.Torrent, *torrent.Layout, error) {
	t, ok := v.registry.Get(infoHash)
	if !ok {
		return nil, nil, fmt.Errorf("torrentfile: no torrent registered for %s", infoHash)
	}
	return t, torrent.NewLayout(info), nil
}

// Open resolves infoHash/filePath to a Handle that can Read and Seek
// within that single file. info must be the torrent's own metainfo.Info,
// provided by the caller since Torrent does not expose it directly.
func (v *VFS) Open(ctx context.Context, infoHash core.InfoHash, info *metainfo.Info, filePath string) (*Handle, error) {
	t, layout, err := v.torrentAndLayout(infoHash, info)
	if err != nil {
		return nil, err
	}
	clean := cleanPath(filePath)
	for _, span := range layout.Spans {
		if strings.Join(span.Info.Path, "/") == clean {
			return newHandle(ctx, t, info, span), nil
		}
	}
	return nil, &ErrNotFound{Path: filePath}
}

// Stat returns size and file/directory classification for infoHash/p.
func (v *VFS) Stat(infoHash core.InfoHash, info *metainfo.Info, p string) (*Info, error) {
	layout := torrent.NewLayout(info)
	clean := cleanPath(p)

	for _, span := range layout.Spans {
		fp := strings.Join(span.Info.Path, "/")
		if fp == clean {
			return &Info{Name: path.Base(fp), Size: span.Info.Length, IsDir: false}, nil
		}
	}
	if clean == "" || hasDirEntries(layout, clean) {
		return &Info{Name: path.Base(clean), Size: 0, IsDir: true}, nil
	}
	return nil, &ErrNotFound{Path: p}
}

// Scandir lists the immediate children of directory p within the
// torrent's file tree.
func (v *VFS) Scandir(info *metainfo.Info, p string) ([]Info, error) {
	layout := torrent.NewLayout(info)
	clean := cleanPath(p)

	seen := make(map[string]Info)
	for _, span := range layout.Spans {
		fp := strings.Join(span.Info.Path, "/")
		if !strings.HasPrefix(fp, dirPrefix(clean)) {
			continue
		}
		rest := strings.TrimPrefix(fp, dirPrefix(clean))
		parts := strings.SplitN(rest, "/", 2)
		name := parts[0]
		if len(parts) == 1 {
			seen[name] = Info{Name: name, Size: span.Info.Length, IsDir: false}
		} else if _, ok := seen[name]; !ok {
			seen[name] = Info{Name: name, IsDir: true}
		}
	}
	if len(seen) == 0 {
		return nil, &ErrNotFound{Path: p}
	}
	out := make([]Info, 0, len(seen))
	for _, i := range seen {
		out = append(out, i)
	}
	return out, nil
}

func hasDirEntries(l *torrent.Layout, dir string) bool {
	prefix := dirPrefix(dir)
	for _, span := range l.Spans {
		if strings.HasPrefix(strings.Join(span.Info.Path, "/"), prefix) {
			return true
		}
	}
	return false
}

func dirPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + "/"
}

func cleanPath(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "." {
		return ""
	}
	return p
}

// compile-time check that Handle satisfies the common read/seek surface
// used by file-access callers.
var _ interface {
	io.ReadCloser
	io.Seeker
} = (*Handle)(nil)
