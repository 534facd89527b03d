package registry

import (
	"testing"

	"github.com/meshrender/farm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecomputeLeaderPrefersLeaderTag(t *testing.T) {
	r := New("node-b", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-a", IsAlive: true, Tags: []string{"leader"}})

	leader, changed := r.RecomputeLeader()
	assert.Equal(t, "node-a", leader)
	assert.True(t, changed)

	id, isLeader := r.Leader()
	assert.Equal(t, "node-a", id)
	assert.False(t, isLeader)
}

func TestRecomputeLeaderAlphabeticalTiebreak(t *testing.T) {
	r := New("node-b", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-a", IsAlive: true})

	leader, _ := r.RecomputeLeader()
	assert.Equal(t, "node-a", leader)
}

func TestRecomputeLeaderNoleaderTagRanksLast(t *testing.T) {
	r := New("node-a", []string{"noleader"}, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-b", IsAlive: true})

	leader, _ := r.RecomputeLeader()
	assert.Equal(t, "node-b", leader)
}

func TestRecomputeLeaderIgnoresDeadPeers(t *testing.T) {
	r := New("node-b", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-a", IsAlive: false})

	leader, _ := r.RecomputeLeader()
	assert.Equal(t, "node-b", leader)

	_, isLeader := r.Leader()
	assert.True(t, isLeader)
}

func TestRecomputeLeaderSelfOnly(t *testing.T) {
	r := New("node-a", nil, 50)
	leader, changed := r.RecomputeLeader()
	assert.Equal(t, "node-a", leader)
	assert.True(t, changed)
}

func TestUpsertPeerExcludesSelf(t *testing.T) {
	r := New("node-a", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-a"})
	assert.Empty(t, r.AllPeers())
}

func TestProcessUDPHeartbeatCreatesMinimalEntry(t *testing.T) {
	r := New("node-a", nil, 50)
	hb := types.HeartbeatDatagram{
		NodeID: "node-b",
		Port:   9000,
		Priority: 10,
	}
	r.ProcessUDPHeartbeat(hb, "10.0.0.5", 1000)

	p, ok := r.Peer("node-b")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:9000", p.Endpoint)
	assert.True(t, p.IsAlive)
	assert.True(t, p.HasUDPContact)
	assert.Equal(t, int64(0), p.LastSeenMs)
}

func TestProcessUDPHeartbeatPreservesLastSeenMs(t *testing.T) {
	r := New("node-a", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-b", LastSeenMs: 500})

	r.ProcessUDPHeartbeat(types.HeartbeatDatagram{NodeID: "node-b", Port: 1}, "10.0.0.5", 1000)

	p, ok := r.Peer("node-b")
	require.True(t, ok)
	assert.Equal(t, int64(500), p.LastSeenMs)
}

func TestProcessUDPGoodbyeMarksDead(t *testing.T) {
	r := New("node-a", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-b", IsAlive: true, HasUDPContact: true})

	r.ProcessUDPGoodbye("node-b")

	p, ok := r.Peer("node-b")
	require.True(t, ok)
	assert.False(t, p.IsAlive)
	assert.False(t, p.HasUDPContact)
}

func TestRemovePeer(t *testing.T) {
	r := New("node-a", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-b"})
	r.RemovePeer("node-b")
	_, ok := r.Peer("node-b")
	assert.False(t, ok)
}

func TestSetPeerNodeStateOptimisticUpdate(t *testing.T) {
	r := New("node-a", nil, 50)
	r.UpsertPeer(types.PeerEntry{NodeID: "node-b", NodeState: types.NodeActive})

	r.SetPeerNodeState("node-b", types.NodeStopped)

	p, ok := r.Peer("node-b")
	require.True(t, ok)
	assert.Equal(t, types.NodeStopped, p.NodeState)
}
