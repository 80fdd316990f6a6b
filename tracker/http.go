package tracker

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
)

// Event values for the HTTP/UDP announce "event" field.
type Event int

// Announce events.
const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

// AnnounceRequest is the set of parameters sent with every announce,
// regardless of transport.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	TrackerID  string // Echoed back from a prior response, if any.
}

// AnnounceResponse is the normalized result of an announce, regardless of
// transport.
type AnnounceResponse struct {
	Interval   time.Duration
	Leechers   int
	Seeders    int
	Peers      []Peer
	TrackerID  string
	FailureReason string
}

// httpBencodeResponse mirrors the bencoded dictionary a BEP-3 tracker
// replies with. Peers may arrive either as a compact byte string (BEP-23)
// or as a list of dicts; both are decoded into the untyped Peers field and
// disambiguated after the fact by decodeAnnouncePeers.
type httpBencodeResponse struct {
	FailureReason string      `bencode:"failure reason,omitempty"`
	Interval      int64       `bencode:"interval,omitempty"`
	MinInterval   int64       `bencode:"min interval,omitempty"`
	TrackerID     string      `bencode:"tracker id,omitempty"`
	Complete      int         `bencode:"complete,omitempty"`
	Incomplete    int         `bencode:"incomplete,omitempty"`
	Peers         interface{} `bencode:"peers,omitempty"`
}

type dictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// HTTPClient announces to a single BEP-3 HTTP tracker.
type HTTPClient struct {
	announceURL string
	config      Config
	logger      *zap.SugaredLogger
	httpClient  *http.Client
}

// NewHTTPClient returns an HTTPClient for the given announce URL.
func NewHTTPClient(announceURL string, config Config, logger *zap.SugaredLogger) *HTTPClient {
	config = config.applyDefaults()
	return &HTTPClient{
		announceURL: announceURL,
		config:      config,
		logger:      logger,
		httpClient:  &http.Client{Timeout: config.HTTPTimeout},
	}
}

// Announce performs a single GET announce against the tracker.
func (c *HTTPClient) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	v := url.Values{}
	v.Set("info_hash", string(req.InfoHash.Bytes()))
	v.Set("peer_id", string(req.PeerID[:]))
	v.Set("port", strconv.Itoa(int(req.Port)))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "1")
	if req.Event != EventNone {
		v.Set("event", eventName(req.Event))
	}
	if req.TrackerID != "" {
		v.Set("trackerid", req.TrackerID)
	}

	reqURL := fmt.Sprintf("%s?%s", c.announceURL, v.Encode())

	httpResp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, fmt.Errorf("announce get: %s", err)
	}
	defer httpResp.Body.Close()

	body, err := ioutil.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %s", err)
	}

	var raw httpBencodeResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal announce response: %s", err)
	}

	if raw.FailureReason != "" {
		c.logger.Warnf("tracker %s announce failure: %s", c.announceURL, raw.FailureReason)
		return &AnnounceResponse{
			FailureReason: raw.FailureReason,
			Interval:      doubledInterval(c.config),
		}, nil
	}

	peers, err := decodeAnnouncePeers(raw.Peers)
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	interval := c.config.DefaultInterval
	if raw.MinInterval > 0 {
		interval = time.Duration(raw.MinInterval) * time.Second
	} else if raw.Interval > 0 {
		interval = time.Duration(raw.Interval) * time.Second
	}

	return &AnnounceResponse{
		Interval:  interval,
		Leechers:  raw.Incomplete,
		Seeders:   raw.Complete,
		Peers:     peers,
		TrackerID: raw.TrackerID,
	}, nil
}

// doubledInterval is used on a "failure reason" reply: the spec calls for
// doubling the announce interval, capped at MaxInterval.
func doubledInterval(config Config) time.Duration {
	d := config.DefaultInterval * 2
	if d > config.MaxInterval {
		d = config.MaxInterval
	}
	return d
}

func decodeAnnouncePeers(raw interface{}) ([]Peer, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(v))
	case []interface{}:
		peers := make([]Peer, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer dict: unexpected type %T", item)
			}
			peers = append(peers, peerFromDict(m))
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("peers: unexpected type %T", raw)
	}
}

func peerFromDict(m map[string]interface{}) Peer {
	var p Peer
	if ipStr, ok := m["ip"].(string); ok {
		p.IP = parseIP(ipStr)
	}
	if port, ok := m["port"].(int64); ok {
		p.Port = uint16(port)
	}
	if idStr, ok := m["peer id"].(string); ok && len(idStr) == 20 {
		copy(p.ID[:], idStr)
	}
	return p
}

func eventName(e Event) string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}
