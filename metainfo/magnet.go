package metainfo

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/movian/bittorrent/core"
)

// Magnet is a parsed magnet: URI (BEP-9).
type Magnet struct {
	InfoHash core.InfoHash
	Name     string
	Trackers []string
}

// ParseMagnet parses a magnet: URI. Its first "xt" parameter must be of
// the form "urn:btih:<40-hex-char info hash>"; any further "xt" parameters
// are ignored. v1 is the only supported
// info hash encoding, matching the BEP-3 SHA-1 info hash used throughout
// this package.
func ParseMagnet(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse magnet uri: %s", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}
	q := u.Query()

	xt := q.Get("xt")
	const btihPrefix = "urn:btih:"
	if !strings.HasPrefix(xt, btihPrefix) {
		return nil, fmt.Errorf("magnet uri missing urn:btih xt parameter")
	}
	hash, err := parseBTIH(strings.TrimPrefix(xt, btihPrefix))
	if err != nil {
		return nil, fmt.Errorf("parse magnet info hash: %s", err)
	}

	return &Magnet{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}, nil
}

// parseBTIH accepts the 40-character hex encoding of a v1 info hash.
// Base32 (32-character) encodings, permitted by BEP-9 but rare in
// practice, are not supported.
func parseBTIH(s string) (core.InfoHash, error) {
	if len(s) != 40 {
		return core.InfoHash{}, fmt.Errorf("unsupported btih encoding: want 40 hex chars, got %d", len(s))
	}
	return core.NewInfoHashFromHex(strings.ToLower(s))
}

// String renders m back into a magnet: URI, including only the fields
// that were populated.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+m.InfoHash.Hex())
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	for _, tr := range m.Trackers {
		v.Add("tr", tr)
	}
	return "magnet:?" + v.Encode()
}
