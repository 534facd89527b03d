package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrender/farm/pkg/failure"
	"github.com/meshrender/farm/pkg/registry"
	"github.com/meshrender/farm/pkg/storage"
	"github.com/meshrender/farm/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestDispatcher(t *testing.T, localDispatch LocalDispatchFunc) (*Dispatcher, *registry.Registry, *storage.BoltStore) {
	t.Helper()
	return newTestDispatcherWithTags(t, nil, localDispatch)
}

func newTestDispatcherWithTags(t *testing.T, tags []string, localDispatch LocalDispatchFunc) (*Dispatcher, *registry.Registry, *storage.BoltStore) {
	t.Helper()
	store := newTestStore(t)
	reg := registry.New("node-local", tags, 0)
	d := New(reg, failure.NewTracker(), localDispatch, t.TempDir(), zerolog.Nop())
	d.SetStore(store)
	return d, reg, store
}

func TestSplitIntoChunksBoundary(t *testing.T) {
	manifest := types.Manifest{JobID: "job-1", FrameStart: 1, FrameEnd: 10, ChunkSize: 3}
	chunks := splitIntoChunks(manifest)

	require.Len(t, chunks, 4)
	assert.Equal(t, []types.ChunkRow{
		{JobID: "job-1", FrameStart: 1, FrameEnd: 3, State: types.ChunkPending},
		{JobID: "job-1", FrameStart: 4, FrameEnd: 6, State: types.ChunkPending},
		{JobID: "job-1", FrameStart: 7, FrameEnd: 9, State: types.ChunkPending},
		{JobID: "job-1", FrameStart: 10, FrameEnd: 10, State: types.ChunkPending},
	}, chunks)
}

func TestSubmissionProducesJobAndChunks(t *testing.T) {
	d, _, store := newTestDispatcher(t, nil)

	require.NoError(t, d.Submit(types.Manifest{
		JobID: "job-1", FrameStart: 1, FrameEnd: 10, ChunkSize: 3, MaxRetries: 3,
	}, 50))

	d.drainSubmissions(store)

	job, ok, err := store.GetJob("job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JobActive, job.CurrentState)

	chunks, err := store.GetChunks("job-1")
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
}

func TestSubmitRejectsInvalidManifest(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)

	err := d.Submit(types.Manifest{FrameStart: 1, FrameEnd: 10, ChunkSize: 1}, 0)
	assert.Error(t, err)
}

// Boundary scenario 2: retry with blacklist.
func TestFailureDrainBlacklistsThenTerminal(t *testing.T) {
	d, _, store := newTestDispatcher(t, nil)

	require.NoError(t, store.InsertJob(types.JobRow{
		JobID:        "job-1",
		Manifest:     types.Manifest{JobID: "job-1", FrameStart: 1, FrameEnd: 1, ChunkSize: 1, MaxRetries: 2},
		CurrentState: types.JobActive,
	}))
	require.NoError(t, store.InsertChunks("job-1", []types.ChunkRow{
		{JobID: "job-1", FrameStart: 1, FrameEnd: 1, State: types.ChunkAssigned, AssignedTo: "node-a"},
	}))

	d.ReportFailure(types.FailureReport{NodeID: "node-a", JobID: "job-1", FrameStart: 1, FrameEnd: 1})
	d.drainFailures(store)

	chunks, err := store.GetChunks("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkPending, chunks[0].State)
	assert.Equal(t, []string{"node-a"}, chunks[0].FailedOn)
	assert.Equal(t, 1, chunks[0].RetryCount)

	require.NoError(t, store.AssignChunk(chunks[0].ID, "node-b", time.Now().UnixMilli()))
	d.ReportFailure(types.FailureReport{NodeID: "node-b", JobID: "job-1", FrameStart: 1, FrameEnd: 1})
	d.drainFailures(store)

	chunks, err = store.GetChunks("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkFailed, chunks[0].State)
	assert.Equal(t, []string{"node-a", "node-b"}, chunks[0].FailedOn)
	assert.Equal(t, 2, chunks[0].RetryCount)
}

// Boundary scenario 3: dead-worker recovery.
func TestReapDeadWorkersResetsChunks(t *testing.T) {
	d, reg, store := newTestDispatcher(t, nil)

	require.NoError(t, store.InsertJob(types.JobRow{
		JobID:        "job-1",
		Manifest:     types.Manifest{JobID: "job-1", FrameStart: 1, FrameEnd: 15, ChunkSize: 5, MaxRetries: 1},
		CurrentState: types.JobActive,
	}))
	require.NoError(t, store.InsertChunks("job-1", []types.ChunkRow{
		{JobID: "job-1", FrameStart: 1, FrameEnd: 5, State: types.ChunkAssigned, AssignedTo: "node-x", RetryCount: 0},
		{JobID: "job-1", FrameStart: 6, FrameEnd: 10, State: types.ChunkAssigned, AssignedTo: "node-x", RetryCount: 0},
		{JobID: "job-1", FrameStart: 11, FrameEnd: 15, State: types.ChunkAssigned, AssignedTo: "node-x", RetryCount: 0},
	}))

	reg.UpsertPeer(types.PeerEntry{NodeID: "node-x", IsAlive: false})

	d.reapDeadWorkers(store)

	chunks, err := store.GetChunks("job-1")
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, types.ChunkPending, c.State)
		assert.Empty(t, c.AssignedTo)
		assert.Equal(t, 0, c.RetryCount)
	}
}

func TestDetectJobCompletionMarksCompleted(t *testing.T) {
	d, _, store := newTestDispatcher(t, nil)

	require.NoError(t, store.InsertJob(types.JobRow{
		JobID:        "job-1",
		Manifest:     types.Manifest{JobID: "job-1", FrameStart: 1, FrameEnd: 5, ChunkSize: 5},
		CurrentState: types.JobActive,
	}))
	require.NoError(t, store.InsertChunks("job-1", []types.ChunkRow{
		{JobID: "job-1", FrameStart: 1, FrameEnd: 5, State: types.ChunkCompleted},
	}))

	d.detectJobCompletion(store)

	job, _, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.CurrentState)
}

// Boundary scenario 6: tag filtering.
func TestAssignWorkRespectsTagsAndDispatchesLocally(t *testing.T) {
	var dispatched []types.ChunkRow
	localDispatch := func(manifest types.Manifest, chunk types.ChunkRow) error {
		dispatched = append(dispatched, chunk)
		return nil
	}

	d, _, store := newTestDispatcherWithTags(t, []string{"gpu"}, localDispatch)

	require.NoError(t, store.InsertJob(types.JobRow{
		JobID: "job-1",
		Manifest: types.Manifest{
			JobID: "job-1", FrameStart: 1, FrameEnd: 5, ChunkSize: 5, MaxRetries: 1,
			TagsRequired: []string{"gpu"},
		},
		CurrentState: types.JobActive,
	}))
	require.NoError(t, store.InsertChunks("job-1", []types.ChunkRow{
		{JobID: "job-1", FrameStart: 1, FrameEnd: 5, State: types.ChunkPending},
	}))

	d.assignWork(context.Background(), store)

	require.Len(t, dispatched, 1)
	assert.Equal(t, 1, dispatched[0].FrameStart)

	chunks, err := store.GetChunks("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkAssigned, chunks[0].State)
	assert.Equal(t, "node-local", chunks[0].AssignedTo)
}

func TestAssignWorkDispatchesRemotelyOverHTTP(t *testing.T) {
	var gotAssign types.AssignRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotAssign)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	d, reg, store := newTestDispatcher(t, nil)
	reg.UpsertPeer(types.PeerEntry{NodeID: "node-remote", Endpoint: u.Host, IsAlive: true, NodeState: types.NodeActive, RenderState: types.RenderIdle})

	require.NoError(t, store.InsertJob(types.JobRow{
		JobID:        "job-1",
		Manifest:     types.Manifest{JobID: "job-1", FrameStart: 1, FrameEnd: 5, ChunkSize: 5, MaxRetries: 1},
		CurrentState: types.JobActive,
	}))
	require.NoError(t, store.InsertChunks("job-1", []types.ChunkRow{
		{JobID: "job-1", FrameStart: 1, FrameEnd: 5, State: types.ChunkPending},
	}))

	d.assignWork(context.Background(), store)

	assert.Equal(t, "job-1", gotAssign.Manifest.JobID)

	chunks, err := store.GetChunks("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkAssigned, chunks[0].State)
}

func TestAssignWorkRevertsOnDispatchFailure(t *testing.T) {
	d, reg, store := newTestDispatcher(t, nil)
	reg.UpsertPeer(types.PeerEntry{NodeID: "node-remote", Endpoint: "127.0.0.1:1", IsAlive: true, NodeState: types.NodeActive, RenderState: types.RenderIdle})

	require.NoError(t, store.InsertJob(types.JobRow{
		JobID:        "job-1",
		Manifest:     types.Manifest{JobID: "job-1", FrameStart: 1, FrameEnd: 5, ChunkSize: 5, MaxRetries: 1},
		CurrentState: types.JobActive,
	}))
	require.NoError(t, store.InsertChunks("job-1", []types.ChunkRow{
		{JobID: "job-1", FrameStart: 1, FrameEnd: 5, State: types.ChunkPending, RetryCount: 0, FailedOn: []string{"node-prior"}},
	}))

	d.assignWork(context.Background(), store)

	chunks, err := store.GetChunks("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkPending, chunks[0].State)
	assert.Equal(t, 0, chunks[0].RetryCount)
	assert.Equal(t, []string{"node-prior"}, chunks[0].FailedOn)
}

func TestNextVersionedID(t *testing.T) {
	assert.Equal(t, "render-42-v1", nextVersionedID("render-42"))
	assert.Equal(t, "render-42-v2", nextVersionedID("render-42-v1"))
}

func TestResubmitCreatesNewJobSubmission(t *testing.T) {
	d, _, store := newTestDispatcher(t, nil)

	require.NoError(t, store.InsertJob(types.JobRow{
		JobID:        "render-1",
		Manifest:     types.Manifest{JobID: "render-1", FrameStart: 1, FrameEnd: 5, ChunkSize: 5, MaxRetries: 1},
		CurrentState: types.JobCompleted,
		Priority:     20,
	}))

	manifest, err := d.Resubmit("render-1")
	require.NoError(t, err)
	assert.Equal(t, "render-1-v1", manifest.JobID)

	d.drainSubmissions(store)
	job, ok, err := store.GetJob("render-1-v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20, job.Priority)
}
