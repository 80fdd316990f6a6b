package metainfo

import (
	"bytes"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"

	"github.com/movian/bittorrent/core"
)

// TorrentInfo is the decoded contents of a .torrent file.
type TorrentInfo struct {
	Info         Info
	InfoHash     core.InfoHash
	RawInfo      []byte // the exact bencoded info dict InfoHash was computed from
	Announce     string
	AnnounceList AnnounceList
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
	URLList      []string
}

// AnnounceList is the tiered tracker list of BEP-12.
type AnnounceList [][]string

// OverridesAnnounce reports whether al should be preferred over the single
// "announce" field.
func (al AnnounceList) OverridesAnnounce(announce string) bool {
	for _, tier := range al {
		for _, url := range tier {
			if url != "" || announce == "" {
				return true
			}
		}
	}
	return false
}

// DistinctValues returns the set of unique tracker URLs across all tiers.
func (al AnnounceList) DistinctValues() map[string]struct{} {
	var ret map[string]struct{}
	for _, tier := range al {
		for _, v := range tier {
			if ret == nil {
				ret = make(map[string]struct{})
			}
			ret[v] = struct{}{}
		}
	}
	return ret
}

// Load decodes a TorrentInfo from r. The top level dict is decoded
// generically so the info sub-dict's exact bencoded bytes can be recovered
// for hashing before being re-decoded into a typed Info struct:
// jackpal/bencode-go has no raw-message hook, and a valid .torrent's dict
// keys are already sorted, so round-tripping through Marshal reproduces
// the original bytes.
func Load(r io.Reader) (*TorrentInfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read metainfo: %s", err)
	}

	var top map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(raw), &top); err != nil {
		return nil, fmt.Errorf("decode metainfo: %s", err)
	}
	infoVal, ok := top["info"]
	if !ok {
		return nil, fmt.Errorf("decode metainfo: missing info dict")
	}

	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, infoVal); err != nil {
		return nil, fmt.Errorf("re-encode info dict: %s", err)
	}

	var info Info
	if err := bencode.Unmarshal(bytes.NewReader(infoBuf.Bytes()), &info); err != nil {
		return nil, fmt.Errorf("decode info dict: %s", err)
	}

	mi := &TorrentInfo{
		Info:     info,
		InfoHash: infoHashFromBytes(infoBuf.Bytes()),
		RawInfo:  infoBuf.Bytes(),
	}
	if v, ok := top["announce"].(string); ok {
		mi.Announce = v
	}
	if v, ok := top["comment"].(string); ok {
		mi.Comment = v
	}
	if v, ok := top["created by"].(string); ok {
		mi.CreatedBy = v
	}
	if v, ok := top["encoding"].(string); ok {
		mi.Encoding = v
	}
	if v, ok := top["creation date"].(int64); ok {
		mi.CreationDate = v
	}
	if v, ok := top["announce-list"].([]interface{}); ok {
		mi.AnnounceList = decodeAnnounceList(v)
	}
	if v, ok := top["url-list"]; ok {
		mi.URLList = decodeURLList(v)
	}
	return mi, nil
}

// LoadFromFile is a convenience wrapper for loading a TorrentInfo from disk.
func LoadFromFile(filename string) (*TorrentInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// UpvertedAnnounceList returns AnnounceList, or a single-tier list built
// from Announce if AnnounceList is absent.
func (mi *TorrentInfo) UpvertedAnnounceList() AnnounceList {
	if mi.AnnounceList.OverridesAnnounce(mi.Announce) {
		return mi.AnnounceList
	}
	if mi.Announce != "" {
		return AnnounceList{{mi.Announce}}
	}
	return nil
}

func decodeAnnounceList(tiers []interface{}) AnnounceList {
	al := make(AnnounceList, 0, len(tiers))
	for _, t := range tiers {
		urls, ok := t.([]interface{})
		if !ok {
			continue
		}
		tier := make([]string, 0, len(urls))
		for _, u := range urls {
			if s, ok := u.(string); ok {
				tier = append(tier, s)
			}
		}
		al = append(al, tier)
	}
	return al
}

func decodeURLList(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		urls := make([]string, 0, len(t))
		for _, u := range t {
			if s, ok := u.(string); ok {
				urls = append(urls, s)
			}
		}
		return urls
	default:
		return nil
	}
}
