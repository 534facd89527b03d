package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrender/farm/pkg/config"
	"github.com/meshrender/farm/pkg/registry"
	"github.com/meshrender/farm/pkg/types"
)

func testPlane(t *testing.T, syncRoot string) (*Plane, *registry.Registry) {
	t.Helper()
	cfg := &config.Config{
		NodeID:   "node-local",
		SyncRoot: syncRoot,
		HTTPPort: 8420,
		UDPPort:  4243,
	}
	reg := registry.New(cfg.NodeID, nil, 0)
	return New(cfg, reg, zerolog.Nop()), reg
}

func TestWriteEndpointIsAtomicAndReadable(t *testing.T) {
	dir := t.TempDir()
	p, _ := testPlane(t, dir)

	require.NoError(t, os.MkdirAll(config.NodesDir(dir), 0o755))
	require.NoError(t, p.writeEndpoint())

	path := config.EndpointPath(dir, "node-local")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var desc types.EndpointDescriptor
	require.NoError(t, json.Unmarshal(data, &desc))
	assert.Equal(t, "node-local", desc.NodeID)
	assert.Equal(t, 8420, desc.Port)
}

func TestScanFilesystemRegistersNewPeer(t *testing.T) {
	dir := t.TempDir()
	p, reg := testPlane(t, dir)

	peerDir := filepath.Join(config.NodesDir(dir), "node-remote")
	require.NoError(t, os.MkdirAll(peerDir, 0o755))
	desc := types.EndpointDescriptor{NodeID: "node-remote", IP: "10.0.0.5", Port: 8420, TimestampMs: 1}
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(peerDir, "endpoint.json"), data, 0o644))

	p.scanFilesystem()

	peer, ok := reg.Peer("node-remote")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:8420", peer.Endpoint)
	assert.True(t, peer.IsAlive)
}

func TestScanFilesystemSkipsSelf(t *testing.T) {
	dir := t.TempDir()
	p, reg := testPlane(t, dir)

	selfDir := filepath.Join(config.NodesDir(dir), "node-local")
	require.NoError(t, os.MkdirAll(selfDir, 0o755))
	data, _ := json.Marshal(types.EndpointDescriptor{NodeID: "node-local"})
	require.NoError(t, os.WriteFile(filepath.Join(selfDir, "endpoint.json"), data, 0o644))

	p.scanFilesystem()

	_, ok := reg.Peer("node-local")
	assert.False(t, ok)
}

func TestPollOneSuccessMergesStatus(t *testing.T) {
	dir := t.TempDir()
	p, reg := testPlane(t, dir)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.PeerInfo{
			NodeID:      "node-remote",
			Hostname:    "render-3",
			NodeState:   types.NodeActive,
			RenderState: types.RenderRendering,
			Tags:        []string{"gpu"},
		})
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	reg.UpsertPeer(types.PeerEntry{NodeID: "node-remote", Endpoint: u.Host, FailedPolls: 2})

	p.pollOne(context.Background(), "node-remote", u.Host)

	peer, ok := reg.Peer("node-remote")
	require.True(t, ok)
	assert.True(t, peer.IsAlive)
	assert.Equal(t, 0, peer.FailedPolls)
	assert.Equal(t, "render-3", peer.Hostname)
	assert.Equal(t, []string{"gpu"}, peer.Tags)
	assert.True(t, peer.LastSeenMs > 0)
}

func TestPollOneFailureIncrementsAndFlipsAlive(t *testing.T) {
	dir := t.TempDir()
	p, reg := testPlane(t, dir)

	reg.UpsertPeer(types.PeerEntry{NodeID: "node-remote", Endpoint: "127.0.0.1:1", IsAlive: true, FailedPolls: httpFailThreshold - 1})

	p.pollOne(context.Background(), "node-remote", "127.0.0.1:1")

	peer, ok := reg.Peer("node-remote")
	require.True(t, ok)
	assert.Equal(t, httpFailThreshold, peer.FailedPolls)
	assert.False(t, peer.IsAlive)
}

func TestPurgeDeadRemovesTombstonedPeer(t *testing.T) {
	dir := t.TempDir()
	p, reg := testPlane(t, dir)

	reg.UpsertPeer(types.PeerEntry{NodeID: "node-gone", IsAlive: false})

	p.purgeDead()

	_, ok := reg.Peer("node-gone")
	assert.False(t, ok)
}

func TestPurgeDeadKeepsPeerWithDescriptorStillPresent(t *testing.T) {
	dir := t.TempDir()
	p, reg := testPlane(t, dir)

	peerDir := filepath.Join(config.NodesDir(dir), "node-gone")
	require.NoError(t, os.MkdirAll(peerDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(peerDir, "endpoint.json"), []byte("{}"), 0o644))

	reg.UpsertPeer(types.PeerEntry{NodeID: "node-gone", IsAlive: false})

	p.purgeDead()

	_, ok := reg.Peer("node-gone")
	assert.True(t, ok)
}

func TestClearStaleUDPContact(t *testing.T) {
	dir := t.TempDir()
	p, reg := testPlane(t, dir)

	staleMs := time.Now().Add(-20 * time.Second).UnixMilli()
	reg.UpsertPeer(types.PeerEntry{NodeID: "node-remote", HasUDPContact: true, LastUDPContactMs: staleMs})

	p.clearStaleUDPContact()

	peer, ok := reg.Peer("node-remote")
	require.True(t, ok)
	assert.False(t, peer.HasUDPContact)
}
