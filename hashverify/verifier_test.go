package hashverify

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/movian/bittorrent/core"
)

func newTestVerifier(t *testing.T) *Verifier {
	v := New(Config{}, tally.NewTestScope("", nil), zap.NewNop().Sugar())
	v.Start()
	t.Cleanup(v.Stop)
	return v
}

func awaitResult(t *testing.T, v *Verifier) Result {
	t.Helper()
	select {
	case r := <-v.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verification result")
		return Result{}
	}
}

func TestVerifierMatchingHashIsOK(t *testing.T) {
	require := require.New(t)
	v := newTestVerifier(t)

	data := []byte("hello piece")
	require.True(v.Submit(Job{PieceIndex: 0, Data: data, ExpectedHash: sha1.Sum(data)}))

	r := awaitResult(t, v)
	require.True(r.OK)
	require.False(r.BlamedPeerValid)
}

func TestVerifierMismatchBlamesSingleContributor(t *testing.T) {
	require := require.New(t)
	v := newTestVerifier(t)

	var peer core.PeerID
	peer[0] = 7

	require.True(v.Submit(Job{
		PieceIndex:   0,
		Data:         []byte("corrupted"),
		ExpectedHash: sha1.Sum([]byte("correct")),
		Contributors: []core.PeerID{peer},
	}))

	r := awaitResult(t, v)
	require.False(r.OK)
	require.True(r.BlamedPeerValid)
	require.Equal(peer, r.BlamedPeer)
	require.Equal(1, r.BlamedPeerBadCount)
	require.False(r.BlamedPeerBad)
}

func TestVerifierMismatchWithNoContributorsIsNotBlamed(t *testing.T) {
	require := require.New(t)
	v := newTestVerifier(t)

	require.True(v.Submit(Job{
		PieceIndex:   0,
		Data:         []byte("corrupted"),
		ExpectedHash: sha1.Sum([]byte("correct")),
	}))

	r := awaitResult(t, v)
	require.False(r.OK)
	require.False(r.BlamedPeerValid)
}

func TestVerifierRotatesBlameAcrossContributors(t *testing.T) {
	require := require.New(t)
	v := newTestVerifier(t)

	var a, b core.PeerID
	a[0], b[0] = 1, 2
	job := Job{
		InfoHash:     core.InfoHash{0xAA},
		PieceIndex:   3,
		Data:         []byte("corrupted"),
		ExpectedHash: sha1.Sum([]byte("correct")),
		Contributors: []core.PeerID{a, b},
	}

	require.True(v.Submit(job))
	first := awaitResult(t, v)
	require.Equal(a, first.BlamedPeer)

	require.True(v.Submit(job))
	second := awaitResult(t, v)
	require.Equal(b, second.BlamedPeer)

	require.True(v.Submit(job))
	third := awaitResult(t, v)
	require.Equal(a, third.BlamedPeer)
	require.Equal(2, third.BlamedPeerBadCount)
}

func TestVerifierBlamedPeerBadAtThreshold(t *testing.T) {
	require := require.New(t)
	v := New(Config{BadPeerThreshold: 2}, tally.NewTestScope("", nil), zap.NewNop().Sugar())
	v.Start()
	t.Cleanup(v.Stop)

	var peer core.PeerID
	peer[0] = 9
	job := Job{
		PieceIndex:   0,
		Data:         []byte("corrupted"),
		ExpectedHash: sha1.Sum([]byte("correct")),
		Contributors: []core.PeerID{peer},
	}

	require.True(v.Submit(job))
	first := awaitResult(t, v)
	require.False(first.BlamedPeerBad)

	require.True(v.Submit(job))
	second := awaitResult(t, v)
	require.True(second.BlamedPeerBad)
}

func TestVerifierSubmitRejectsWhenQueueFull(t *testing.T) {
	require := require.New(t)
	v := New(Config{QueueSize: 1}, tally.NewTestScope("", nil), zap.NewNop().Sugar())
	// Not started: jobs channel fills without a worker draining it.

	data := []byte("x")
	job := Job{Data: data, ExpectedHash: sha1.Sum(data)}
	require.True(v.Submit(job))
	require.False(v.Submit(job))
}
