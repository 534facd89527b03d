// Package discovery drives pkg/registry from three independent sources: the
// shared filesystem mount, adaptive HTTP polling of known peers, and an
// optional UDP multicast fast path. Its ticker-driven goroutine (with a stop
// channel, like the worker's heartbeatLoop) and, when multicast is enabled,
// its UDP receive goroutine are the two goroutines that mutate the registry.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrender/farm/pkg/config"
	"github.com/meshrender/farm/pkg/health"
	"github.com/meshrender/farm/pkg/meshclient"
	"github.com/meshrender/farm/pkg/metrics"
	"github.com/meshrender/farm/pkg/registry"
	"github.com/meshrender/farm/pkg/types"
)

const (
	tickInterval = 3 * time.Second

	// httpFailThreshold is the number of consecutive failed status polls
	// before a peer flips to not alive. This is pkg/health's Config.Retries.
	httpFailThreshold = 3

	// udpSkipWindow is how recently a peer must have sent a heartbeat for
	// its HTTP poll to be skipped this tick.
	udpSkipWindow = 9 * time.Second
	// udpSilenceWindow is how long without a heartbeat before has_udp_contact
	// clears.
	udpSilenceWindow = 15 * time.Second

	statusConnectTimeout = 2 * time.Second
	statusReadTimeout    = 3 * time.Second
)

// Plane is the DiscoveryPlane: it owns the registry mutation path and the
// local endpoint descriptor / multicast sockets.
type Plane struct {
	log      zerolog.Logger
	cfg      *config.Config
	registry *registry.Registry
	localIP  string

	udpConn *net.UDPConn
	udpAddr *net.UDPAddr

	healthCfg health.Config
	healthMu  sync.Mutex
	statuses  map[string]*health.Status

	// OnLeaderChange fires whenever RecomputeLeader reports a change, with
	// the new leader's id and whether that leader is the local node. The
	// farm sets this to drive its leader role-transition state machine
	// without DiscoveryPlane importing the farm package back.
	OnLeaderChange func(leaderID string, isLocalLeader bool)
	// OnPeerJoined/OnPeerRemoved fire when the filesystem scan registers a
	// new peer or the dead-peer sweep tombstones one. Optional.
	OnPeerJoined  func(nodeID string)
	OnPeerRemoved func(nodeID string)

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.RWMutex
	running bool
}

// New creates a Plane bound to reg. cfg supplies the sync root, the local
// node's HTTP/UDP ports, and whether multicast is enabled.
func New(cfg *config.Config, reg *registry.Registry, logger zerolog.Logger) *Plane {
	ip := cfg.IPOverride
	if ip == "" {
		ip = localOutboundIP()
	}
	return &Plane{
		log:       logger.With().Str("component", "discovery").Logger(),
		cfg:       cfg,
		registry:  reg,
		localIP:   ip,
		healthCfg: health.Config{Retries: httpFailThreshold},
		statuses:  make(map[string]*health.Status),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// LocalIP returns the address the local node advertises in its endpoint
// descriptor, resolved once at construction from cfg.IPOverride or outbound
// routing.
func (p *Plane) LocalIP() string { return p.localIP }

// Start writes the initial endpoint descriptor, opens the multicast socket
// if enabled, and launches the tick loop in a background goroutine.
func (p *Plane) Start(ctx context.Context) error {
	if err := os.MkdirAll(config.NodesDir(p.cfg.SyncRoot), 0o755); err != nil {
		return fmt.Errorf("discovery: mkdir nodes dir: %w", err)
	}
	if err := p.writeEndpoint(); err != nil {
		return fmt.Errorf("discovery: initial endpoint write: %w", err)
	}

	if p.cfg.UDPEnabled {
		if err := p.openMulticast(); err != nil {
			p.log.Warn().Err(err).Msg("multicast unavailable, continuing without udp fast path")
		} else {
			go p.receiveLoop()
		}
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	go p.tickLoop(ctx)
	return nil
}

// Stop sends a goodbye datagram, removes the local endpoint descriptor, and
// joins the tick loop.
func (p *Plane) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	if p.udpConn != nil {
		p.sendGoodbye()
		p.udpConn.Close()
	}

	path := config.EndpointPath(p.cfg.SyncRoot, p.cfg.NodeID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warn().Err(err).Msg("failed to remove endpoint descriptor on shutdown")
	}
}

func (p *Plane) tickLoop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one discovery pass, in order: endpoint write, filesystem scan,
// HTTP poll, UDP-contact expiry, dead-peer purge, then leader recompute and
// metrics.
func (p *Plane) tick(ctx context.Context) {
	if err := p.writeEndpoint(); err != nil {
		p.log.Warn().Err(err).Msg("failed to write endpoint descriptor")
	}

	p.scanFilesystem()
	p.pollPeers(ctx)
	p.clearStaleUDPContact()
	p.purgeDead()

	leader, changed := p.registry.RecomputeLeader()
	if changed {
		p.log.Info().Str("leader_id", leader).Msg("leader changed")
		if p.OnLeaderChange != nil {
			p.OnLeaderChange(leader, leader == p.cfg.NodeID)
		}
	}

	metrics.IsLeader.Set(boolToFloat(leader == p.cfg.NodeID))
	p.updatePeerCountMetric()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// updatePeerCountMetric sets farm_peers_total{alive} once per tick, right
// after the leader recompute, from a fresh AllPeers snapshot.
func (p *Plane) updatePeerCountMetric() {
	alive, dead := 0, 0
	for _, peer := range p.registry.AllPeers() {
		if peer.IsAlive {
			alive++
		} else {
			dead++
		}
	}
	metrics.PeersTotal.WithLabelValues("true").Set(float64(alive))
	metrics.PeersTotal.WithLabelValues("false").Set(float64(dead))
}

// writeEndpoint atomically publishes this node's endpoint descriptor.
func (p *Plane) writeEndpoint() error {
	path := config.EndpointPath(p.cfg.SyncRoot, p.cfg.NodeID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	desc := types.EndpointDescriptor{
		NodeID:      p.cfg.NodeID,
		IP:          p.localIP,
		Port:        p.cfg.HTTPPort,
		TimestampMs: nowMs(),
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

// scanFilesystem registers any node whose endpoint.json exists but is not
// yet known to the registry.
func (p *Plane) scanFilesystem() {
	nodesDir := config.NodesDir(p.cfg.SyncRoot)
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to scan nodes directory")
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		nodeID := entry.Name()
		if nodeID == p.cfg.NodeID {
			continue
		}
		if _, ok := p.registry.Peer(nodeID); ok {
			continue
		}

		descPath := filepath.Join(nodesDir, nodeID, "endpoint.json")
		data, err := os.ReadFile(descPath)
		if err != nil {
			continue
		}
		var desc types.EndpointDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			continue
		}

		p.registry.UpsertPeer(types.PeerEntry{
			NodeID:     nodeID,
			Endpoint:   fmt.Sprintf("%s:%d", desc.IP, desc.Port),
			NodeState:  types.NodeActive,
			IsAlive:    true,
			LastSeenMs: 0,
		})
		if p.OnPeerJoined != nil {
			p.OnPeerJoined(nodeID)
		}
	}
}

// pollPeers issues an adaptive GET /api/status against every known peer,
// skipping any peer with recent UDP contact and a prior successful poll.
func (p *Plane) pollPeers(ctx context.Context) {
	now := time.Now()
	for _, id := range p.registry.PeerIDs() {
		peer, ok := p.registry.Peer(id)
		if !ok {
			continue
		}

		if peer.HasUDPContact && peer.LastSeenMs > 0 {
			age := now.Sub(msToTime(peer.LastUDPContactMs))
			if age < udpSkipWindow {
				continue
			}
		}

		p.pollOne(ctx, id, peer.Endpoint)
	}
}

// pollOne issues the status poll and feeds the outcome into the peer's
// health.Status before touching the registry, so the "3 consecutive
// failures" liveness rule is the exact Config.Retries counting pkg/health
// already implements rather than a second, parallel implementation of it.
// The Status is first seeded from the registry's failed_polls and is_alive,
// since a UDP heartbeat can reset them between polls.
func (p *Plane) pollOne(ctx context.Context, nodeID, endpoint string) {
	client := meshclient.New(endpoint).WithTimeouts(statusConnectTimeout, statusReadTimeout)
	pollCtx, cancel := context.WithTimeout(ctx, statusConnectTimeout+statusReadTimeout)
	defer cancel()

	checkedAt := time.Now()
	info, err := client.Status(pollCtx)
	st := p.statusFor(nodeID)
	if peer, ok := p.registry.Peer(nodeID); ok {
		st.ConsecutiveFailures = peer.FailedPolls
		st.Healthy = peer.IsAlive
	}
	st.Update(health.Result{Healthy: err == nil, CheckedAt: checkedAt, Duration: time.Since(checkedAt)}, p.healthCfg)

	if err != nil {
		p.registry.MutatePeer(nodeID, func(e *types.PeerEntry) {
			e.FailedPolls = st.ConsecutiveFailures
			if !st.Healthy {
				e.IsAlive = false
			}
		})
		return
	}

	now := nowMs()
	p.registry.MutatePeer(nodeID, func(e *types.PeerEntry) {
		e.Endpoint = endpoint
		e.Hostname = info.Hostname
		e.OS = info.OS
		e.AppVersion = info.AppVersion
		e.GPU = info.GPU
		e.CPU = info.CPU
		e.RAMMb = info.RAMMb
		e.NodeState = info.NodeState
		e.RenderState = info.RenderState
		e.ActiveJob = info.ActiveJob
		e.ActiveChunk = info.ActiveChunk
		e.Priority = info.Priority
		e.Tags = info.Tags
		e.IsAlive = st.Healthy
		e.FailedPolls = st.ConsecutiveFailures
		e.LastSeenMs = now
	})
}

func (p *Plane) statusFor(nodeID string) *health.Status {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	st, ok := p.statuses[nodeID]
	if !ok {
		st = health.NewStatus()
		p.statuses[nodeID] = st
	}
	return st
}

// purgeDead removes any peer that is not alive and whose endpoint
// descriptor has been removed from the shared mount (a tombstone).
func (p *Plane) purgeDead() {
	for _, id := range p.registry.PeerIDs() {
		peer, ok := p.registry.Peer(id)
		if !ok || peer.IsAlive {
			continue
		}
		descPath := filepath.Join(config.NodesDir(p.cfg.SyncRoot), id, "endpoint.json")
		if _, err := os.Stat(descPath); os.IsNotExist(err) {
			p.registry.RemovePeer(id)
			p.forgetHealth(id)
			if p.OnPeerRemoved != nil {
				p.OnPeerRemoved(id)
			}
		}
	}
}

func (p *Plane) forgetHealth(nodeID string) {
	p.healthMu.Lock()
	delete(p.statuses, nodeID)
	p.healthMu.Unlock()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func localOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
