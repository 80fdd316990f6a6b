package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/movian/bittorrent/core"
)

// MagnetLink is the parsed form of a magnet:?xt=urn:btih:<hex>&dn=<name>&tr=<tracker>...
// URL: an info-hash with optional display name and tracker announce URLs.
type MagnetLink struct {
	InfoHash core.InfoHash
	Name     string
	Trackers []string
}

// ParseMagnet parses a magnet: URL per spec.md §6. The xt parameter must
// carry a BitTorrent info-hash urn; every tr parameter is collected in
// order, duplicates included, since duplicate tracker URLs across tiers
// are deduped downstream by the tracker manager.
func ParseMagnet(raw string) (*MagnetLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse magnet url: %s", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet url: %q", raw)
	}
	q := u.Query()

	var infoHash core.InfoHash
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		hex := strings.TrimPrefix(xt, prefix)
		infoHash, err = core.NewInfoHashFromHex(strings.ToLower(hex))
		if err != nil {
			return nil, fmt.Errorf("parse magnet info hash: %s", err)
		}
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("magnet url missing btih xt parameter: %q", raw)
	}

	return &MagnetLink{
		InfoHash: infoHash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}, nil
}

// BrowseRequest is the parsed form of torrent:browse:<hex>/<path>.
type BrowseRequest struct {
	InfoHash core.InfoHash
	Path     string
}

// ParseBrowse parses a torrent:browse: URL.
func ParseBrowse(raw string) (*BrowseRequest, error) {
	rest, err := trimSchemePrefix(raw, "torrent:browse:")
	if err != nil {
		return nil, err
	}
	hexPart, path := splitHashAndPath(rest)
	infoHash, err := core.NewInfoHashFromHex(hexPart)
	if err != nil {
		return nil, fmt.Errorf("parse browse info hash: %s", err)
	}
	return &BrowseRequest{InfoHash: infoHash, Path: path}, nil
}

// VideoRequest is the parsed form of torrent:video:<hex>.
type VideoRequest struct {
	InfoHash core.InfoHash
}

// ParseVideo parses a torrent:video: URL.
func ParseVideo(raw string) (*VideoRequest, error) {
	rest, err := trimSchemePrefix(raw, "torrent:video:")
	if err != nil {
		return nil, err
	}
	infoHash, err := core.NewInfoHashFromHex(rest)
	if err != nil {
		return nil, fmt.Errorf("parse video info hash: %s", err)
	}
	return &VideoRequest{InfoHash: infoHash}, nil
}

// TorrentFileRequest is the parsed form of torrentfile://<hex>/<path>.
type TorrentFileRequest struct {
	InfoHash core.InfoHash
	Path     string
}

// ParseTorrentFile parses a torrentfile:// URL.
func ParseTorrentFile(raw string) (*TorrentFileRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse torrentfile url: %s", err)
	}
	if u.Scheme != "torrentfile" {
		return nil, fmt.Errorf("not a torrentfile url: %q", raw)
	}
	infoHash, err := core.NewInfoHashFromHex(u.Host)
	if err != nil {
		return nil, fmt.Errorf("parse torrentfile info hash: %s", err)
	}
	return &TorrentFileRequest{InfoHash: infoHash, Path: strings.TrimPrefix(u.Path, "/")}, nil
}

func trimSchemePrefix(raw, prefix string) (string, error) {
	if !strings.HasPrefix(raw, prefix) {
		return "", fmt.Errorf("expected prefix %q: %q", prefix, raw)
	}
	return strings.TrimPrefix(raw, prefix), nil
}

func splitHashAndPath(rest string) (hexPart, path string) {
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return rest, ""
	}
	return rest[:i], rest[i+1:]
}
