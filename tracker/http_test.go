package tracker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
)

func newTestAnnounceRequest() AnnounceRequest {
	var infoHash core.InfoHash
	copy(infoHash[:], []byte("aaaaaaaaaaaaaaaaaaaa"))
	var peerID core.PeerID
	copy(peerID[:], []byte("bbbbbbbbbbbbbbbbbbbb"))
	return AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     6881,
		Left:     1024,
	}
}

func TestHTTPClientAnnounceCompactPeers(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("1", r.URL.Query().Get("compact"))
		resp := map[string]interface{}{
			"interval": int64(900),
			"peers":    string([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
		}
		var buf bytes.Buffer
		require.NoError(bencode.Marshal(&buf, resp))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, Config{}, zap.NewNop().Sugar())
	resp, err := c.Announce(newTestAnnounceRequest())
	require.NoError(err)
	require.Equal(900*time.Second, resp.Interval)
	require.Len(resp.Peers, 1)
	require.Equal("127.0.0.1:6881", resp.Peers[0].Addr())
}

func TestHTTPClientAnnounceDictPeers(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval": int64(1200),
			"peers": []interface{}{
				map[string]interface{}{
					"peer id": "cccccccccccccccccccc",
					"ip":      "10.0.0.5",
					"port":    int64(6882),
				},
			},
		}
		var buf bytes.Buffer
		require.NoError(bencode.Marshal(&buf, resp))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, Config{}, zap.NewNop().Sugar())
	resp, err := c.Announce(newTestAnnounceRequest())
	require.NoError(err)
	require.Len(resp.Peers, 1)
	require.Equal("10.0.0.5:6882", resp.Peers[0].Addr())
}

func TestHTTPClientAnnounceFailureReasonDoublesInterval(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"failure reason": "not registered",
		}
		var buf bytes.Buffer
		require.NoError(bencode.Marshal(&buf, resp))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	config := Config{DefaultInterval: 1800 * time.Second, MaxInterval: 3600 * time.Second}
	c := NewHTTPClient(srv.URL, config, zap.NewNop().Sugar())
	resp, err := c.Announce(newTestAnnounceRequest())
	require.NoError(err)
	require.Equal("not registered", resp.FailureReason)
	require.Equal(3600*time.Second, resp.Interval)
}

func TestHTTPClientAnnouncePrefersMinInterval(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval":     int64(1800),
			"min interval": int64(300),
		}
		var buf bytes.Buffer
		require.NoError(bencode.Marshal(&buf, resp))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, Config{}, zap.NewNop().Sugar())
	resp, err := c.Announce(newTestAnnounceRequest())
	require.NoError(err)
	require.Equal(300*time.Second, resp.Interval)
}
