package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/movian/bittorrent/core"
	"github.com/movian/bittorrent/peerconn"
	"github.com/movian/bittorrent/wire"
)

type recordingCallbacks struct {
	mu        sync.Mutex
	connected []core.PeerID
	read      []*wire.Message
	closed    []core.PeerID
}

func (r *recordingCallbacks) OnConnect(peerID core.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, peerID)
}

func (r *recordingCallbacks) OnRead(peerID core.PeerID, msg *wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = append(r.read, msg)
}

func (r *recordingCallbacks) OnTimeout(peerID core.PeerID) {}

func (r *recordingCallbacks) OnClose(peerID core.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, peerID)
}

func (r *recordingCallbacks) numRead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.read)
}

func (r *recordingCallbacks) numClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func TestDispatcherDeliversReadsAndClose(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup := peerconn.PipeFixture(peerconn.ConfigFixture(), core.InfoHash{})
	defer cleanup()

	cb := &recordingCallbacks{}
	d := New(cb)
	d.Watch(local)

	require.Len(cb.connected, 1)
	require.Equal(local.PeerID(), cb.connected[0])

	require.NoError(remote.Send(&wire.Message{ID: wire.Unchoke}))
	require.NoError(remote.Send(&wire.Message{ID: wire.Interested}))

	require.Eventually(func() bool {
		return cb.numRead() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	remote.Close()

	require.Eventually(func() bool {
		return cb.numClosed() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(local.PeerID(), cb.closed[0])
}
