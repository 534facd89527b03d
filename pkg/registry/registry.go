// Package registry holds the in-memory view of every other node in the
// farm: who's alive, who's leading, and what they're doing right now. Its
// peer map is written by pkg/discovery (the tick loop and the multicast
// receive loop) and read by everything else; the peer map, the leader fields
// and the local node's own state each sit behind their own RWMutex.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meshrender/farm/pkg/types"
)

// Registry tracks every known peer (never the local node itself) plus the
// currently elected leader.
type Registry struct {
	nodeID   string
	tags     []string
	priority int

	mu    sync.RWMutex
	peers map[string]*types.PeerEntry

	leaderMu sync.RWMutex
	leaderID string
	isLeader bool

	stateMu       sync.RWMutex
	renderState   types.RenderState
	nodeState     types.NodeState
	activeJob     string
	activeChunk   string
	localEndpoint string
}

// New creates a Registry for the local node identified by nodeID.
func New(nodeID string, tags []string, priority int) *Registry {
	return &Registry{
		nodeID:      nodeID,
		tags:        tags,
		priority:    priority,
		peers:       make(map[string]*types.PeerEntry),
		nodeState:   types.NodeActive,
		renderState: types.RenderIdle,
	}
}

// NodeID returns the local node's id.
func (r *Registry) NodeID() string { return r.nodeID }

// Tags returns the local node's configured tags.
func (r *Registry) Tags() []string { return r.tags }

// SetRenderState records the local node's current render activity.
func (r *Registry) SetRenderState(state types.RenderState, jobID, chunkID string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.renderState = state
	r.activeJob = jobID
	r.activeChunk = chunkID
}

// SetNodeState records whether the local node is accepting new work.
func (r *Registry) SetNodeState(state types.NodeState) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.nodeState = state
}

// SetPriority updates the local node's advertised priority. RecomputeLeader
// does not use it.
func (r *Registry) SetPriority(priority int) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.priority = priority
}

// LocalSnapshot returns the local node's current PeerEntry-shaped state, for
// serving it back over the mesh API and for endpoint.json descriptors.
func (r *Registry) LocalSnapshot() types.PeerEntry {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	_, isLeader := r.Leader()
	return types.PeerEntry{
		NodeID:      r.nodeID,
		NodeState:   r.nodeState,
		RenderState: r.renderState,
		ActiveJob:   r.activeJob,
		ActiveChunk: r.activeChunk,
		Priority:    r.priority,
		Tags:        r.tags,
		IsAlive:     true,
		IsLeader:    isLeader,
	}
}

// UpsertPeer inserts or replaces a peer entry wholesale. Used by discovery
// when a filesystem scan finds a new peer or an HTTP poll refreshes one.
func (r *Registry) UpsertPeer(entry types.PeerEntry) {
	if entry.NodeID == r.nodeID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := entry
	r.peers[entry.NodeID] = &e
}

// Peer returns a copy of the named peer's entry, if known.
func (r *Registry) Peer(nodeID string) (types.PeerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return types.PeerEntry{}, false
	}
	return *p, true
}

// MutatePeer applies fn to the named peer's entry under the write lock. fn
// is a no-op call if the peer is unknown.
func (r *Registry) MutatePeer(nodeID string, fn func(*types.PeerEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return
	}
	fn(p)
}

// RemovePeer deletes a peer entirely, used when it has vanished from the
// filesystem and is no longer alive.
func (r *Registry) RemovePeer(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nodeID)
}

// AllPeers returns a snapshot of every known peer, sorted by node id for
// deterministic output.
func (r *Registry) AllPeers() []types.PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.PeerEntry, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// PeerIDs returns the node ids of every known peer.
func (r *Registry) PeerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ProcessUDPHeartbeat handles the multicast fast path: it creates a minimal
// peer entry on first contact, or refreshes the fast-changing fields on an
// existing one. last_seen_ms is deliberately untouched — that field tracks
// HTTP poll success for pkg/discovery's adaptive-skip logic, not UDP contact.
func (r *Registry) ProcessUDPHeartbeat(hb types.HeartbeatDatagram, ip string, nowMs int64) {
	if hb.NodeID == r.nodeID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoint := formatEndpoint(ip, hb.Port)
	p, ok := r.peers[hb.NodeID]
	if !ok {
		r.peers[hb.NodeID] = &types.PeerEntry{
			NodeID:           hb.NodeID,
			Endpoint:         endpoint,
			NodeState:        hb.NodeState,
			RenderState:      hb.RenderState,
			ActiveJob:        hb.JobID,
			ActiveChunk:      hb.ChunkID,
			Priority:         hb.Priority,
			IsAlive:          true,
			FailedPolls:      0,
			LastSeenMs:       0,
			HasUDPContact:    true,
			LastUDPContactMs: nowMs,
		}
		return
	}

	p.NodeState = hb.NodeState
	p.RenderState = hb.RenderState
	p.ActiveJob = hb.JobID
	p.ActiveChunk = hb.ChunkID
	p.Priority = hb.Priority
	p.IsAlive = true
	p.FailedPolls = 0
	p.HasUDPContact = true
	p.LastUDPContactMs = nowMs
	if p.Endpoint != endpoint {
		p.Endpoint = endpoint
	}
}

// ProcessUDPGoodbye marks a peer as no longer alive, sent once by a node on
// clean shutdown.
func (r *Registry) ProcessUDPGoodbye(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return
	}
	p.IsAlive = false
	p.HasUDPContact = false
}

// SetPeerNodeState is an optimistic local update applied before a control
// request's HTTP round trip completes, so the UI reflects the change
// immediately.
func (r *Registry) SetPeerNodeState(nodeID string, state types.NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.NodeState = state
	}
}

// Endpoint returns the "ip:port" the named node is reachable at, whether
// it's a peer or the local node itself. Used by pkg/reporter to resolve
// the current leader's address and by pkg/meshapi to fill in
// leader_endpoint on a 503 not_leader response.
func (r *Registry) Endpoint(nodeID string) (string, bool) {
	if nodeID == r.nodeID {
		r.stateMu.RLock()
		defer r.stateMu.RUnlock()
		return r.localEndpoint, r.localEndpoint != ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return "", false
	}
	return p.Endpoint, true
}

// SetLocalEndpoint records the "ip:port" this node itself listens on, so
// Endpoint(NodeID()) resolves without a round trip through the peer map.
func (r *Registry) SetLocalEndpoint(endpoint string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.localEndpoint = endpoint
}

// Leader returns the current leader's node id and whether the local node is
// that leader.
func (r *Registry) Leader() (string, bool) {
	r.leaderMu.RLock()
	defer r.leaderMu.RUnlock()
	return r.leaderID, r.isLeader
}

// candidate is a deterministic sort key: leader-tagged nodes rank first,
// noleader-tagged nodes rank last, ties break on node id ascending.
type candidate struct {
	id           string
	hasLeaderTag bool
	hasNoLeader  bool
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RecomputeLeader re-derives the leader from self plus every alive peer
// (stopped nodes still count — they can coordinate dispatch even though
// they don't render) and returns true if the leader changed.
func (r *Registry) RecomputeLeader() (leaderID string, changed bool) {
	r.mu.RLock()
	candidates := make([]candidate, 0, len(r.peers)+1)
	candidates = append(candidates, candidate{
		id:           r.nodeID,
		hasLeaderTag: hasTag(r.tags, types.TagLeader),
		hasNoLeader:  hasTag(r.tags, types.TagNoLeader),
	})
	for _, p := range r.peers {
		if !p.IsAlive {
			continue
		}
		candidates = append(candidates, candidate{
			id:           p.NodeID,
			hasLeaderTag: hasTag(p.Tags, types.TagLeader),
			hasNoLeader:  hasTag(p.Tags, types.TagNoLeader),
		})
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.hasLeaderTag != b.hasLeaderTag {
			return a.hasLeaderTag
		}
		if a.hasNoLeader != b.hasNoLeader {
			return !a.hasNoLeader
		}
		return a.id < b.id
	})

	newLeader := candidates[0].id
	nowLeader := newLeader == r.nodeID

	r.leaderMu.Lock()
	changed = newLeader != r.leaderID
	r.leaderID = newLeader
	r.isLeader = nowLeader
	r.leaderMu.Unlock()

	r.mu.Lock()
	for id, p := range r.peers {
		p.IsLeader = id == newLeader
	}
	r.mu.Unlock()

	return newLeader, changed
}

func formatEndpoint(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
