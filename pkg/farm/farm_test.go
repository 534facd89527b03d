package farm

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrender/farm/pkg/config"
	"github.com/meshrender/farm/pkg/executor"
	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/storage"
	"github.com/meshrender/farm/pkg/types"
)

// testConfig gives each test its own node id so becomeLeader's node-scoped
// local data directory (outside t.TempDir(), since it must survive a
// restart) never leaks state between tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	nodeID := "test-" + t.Name()
	t.Cleanup(func() { os.RemoveAll(config.LocalDataDir(nodeID)) })
	return &config.Config{
		NodeID:   nodeID,
		SyncRoot: t.TempDir(),
		HTTPPort: 0,
	}
}

func TestNewWiresNodeStoppedFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.NodeStopped = true

	f := New(cfg, "", nil, zerolog.Nop())

	assert.Equal(t, types.NodeStopped, f.Registry().LocalSnapshot().NodeState)
	assert.NotNil(t, f.Events())
}

func TestBecomeLeaderThenFollowerOpensAndClosesStore(t *testing.T) {
	f := New(testConfig(t), "", nil, zerolog.Nop())

	f.becomeLeader()
	store, ok := f.dispatcher.Store()
	require.True(t, ok)
	require.NotNil(t, store)

	f.becomeFollower()
	_, ok = f.dispatcher.Store()
	assert.False(t, ok)
}

func TestBecomeLeaderIsIdempotentWhileAlreadyLeader(t *testing.T) {
	f := New(testConfig(t), "", nil, zerolog.Nop())

	f.becomeLeader()
	first, _ := f.dispatcher.Store()
	f.becomeLeader()
	second, _ := f.dispatcher.Store()

	assert.Same(t, first, second)
}

func TestBecomeFollowerWithoutPriorLeadershipIsNoop(t *testing.T) {
	f := New(testConfig(t), "", nil, zerolog.Nop())
	f.becomeFollower()
	_, ok := f.dispatcher.Store()
	assert.False(t, ok)
}

func TestBecomeLeaderRestoresFromSnapshot(t *testing.T) {
	cfg := testConfig(t)

	seedDir := t.TempDir()
	seed, err := storage.NewBoltStore(seedDir)
	require.NoError(t, err)
	require.NoError(t, seed.InsertJob(types.JobRow{
		JobID:        "job-1",
		Manifest:     types.Manifest{JobID: "job-1", FrameStart: 1, FrameEnd: 10, ChunkSize: 5},
		CurrentState: types.JobActive,
	}))

	snapshotPath := config.SnapshotPath(cfg.SyncRoot)
	require.NoError(t, os.MkdirAll(config.StateDir(cfg.SyncRoot), 0o755))
	require.NoError(t, seed.SnapshotTo(snapshotPath))
	require.NoError(t, seed.Close())

	f := New(cfg, "", nil, zerolog.Nop())
	f.becomeLeader()

	store, ok := f.dispatcher.Store()
	require.True(t, ok)
	job, found, err := store.GetJob("job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, job.Manifest.FrameEnd)
}

func TestHandleAssignRejectsWhenNodeStopped(t *testing.T) {
	cfg := testConfig(t)
	cfg.NodeStopped = true
	f := New(cfg, "", nil, zerolog.Nop())

	err := f.handleAssign(types.AssignRequest{
		Manifest:   types.Manifest{JobID: "job-1"},
		FrameStart: 1,
		FrameEnd:   1,
	})
	assert.ErrorIs(t, err, farmerr.ErrStopped)
}

func TestHandleAssignRejectsWhenAlreadyRendering(t *testing.T) {
	f := New(testConfig(t), "", nil, zerolog.Nop())
	f.registry.SetRenderState(types.RenderRendering, "job-0", "chunk-0")

	err := f.handleAssign(types.AssignRequest{
		Manifest:   types.Manifest{JobID: "job-1"},
		FrameStart: 1,
		FrameEnd:   1,
	})
	assert.ErrorIs(t, err, farmerr.ErrBusy)
}

func TestHandleAssignRunsChunkAndReturnsToIdle(t *testing.T) {
	stub := executor.NewStubExecutor()
	stub.FrameDelay = time.Millisecond
	f := New(testConfig(t), "", stub, zerolog.Nop())

	err := f.handleAssign(types.AssignRequest{
		Manifest:   types.Manifest{JobID: "job-1"},
		FrameStart: 1,
		FrameEnd:   3,
	})
	require.NoError(t, err)

	assert.Equal(t, types.RenderRendering, f.registry.LocalSnapshot().RenderState)

	assert.Eventually(t, func() bool {
		return f.registry.LocalSnapshot().RenderState == types.RenderIdle
	}, time.Second, 5*time.Millisecond)
}

func TestCancelLocalCancelsMatchingChunks(t *testing.T) {
	stub := executor.NewStubExecutor()
	stub.FrameDelay = 50 * time.Millisecond
	f := New(testConfig(t), "", stub, zerolog.Nop())

	require.NoError(t, f.handleAssign(types.AssignRequest{
		Manifest:   types.Manifest{JobID: "job-cancel"},
		FrameStart: 1,
		FrameEnd:   100,
	}))

	f.cancelLocal("job-cancel")

	assert.Eventually(t, func() bool {
		return f.registry.LocalSnapshot().RenderState == types.RenderIdle
	}, time.Second, 5*time.Millisecond)
}

func TestPersistNodeStateWritesConfigFile(t *testing.T) {
	cfg := testConfig(t)
	path := cfg.SyncRoot + "/node.json"
	f := New(cfg, path, nil, zerolog.Nop())

	require.NoError(t, f.persistNodeState(true))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.NodeStopped)
}
