package meshapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrender/farm/pkg/dispatcher"
	"github.com/meshrender/farm/pkg/failure"
	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/registry"
	"github.com/meshrender/farm/pkg/storage"
	"github.com/meshrender/farm/pkg/types"
)

func newTestServer(t *testing.T, withStore bool) (*Server, *dispatcher.Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New("node-a", nil, 0)
	failures := failure.NewTracker()
	d := dispatcher.New(reg, failures, nil, t.TempDir(), zerolog.Nop())

	if withStore {
		dir := t.TempDir()
		store, err := storage.NewBoltStore(dir)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		d.SetStore(store)
	}

	deps := Dependencies{
		Registry:   reg,
		Dispatcher: d,
		Failures:   failures,
		AppVersion: "test",
	}
	return New(deps, ":0", zerolog.Nop()), d, reg
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	return rec
}

func TestHandleStatusReturnsLocalSnapshot(t *testing.T) {
	s, _, _ := newTestServer(t, false)

	rec := doRequest(t, s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info types.PeerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "node-a", info.NodeID)
	assert.Equal(t, "test", info.AppVersion)
}

func TestHandleNodeStopAndStart(t *testing.T) {
	s, _, reg := newTestServer(t, false)

	rec := doRequest(t, s, http.MethodPost, "/api/node/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.NodeStopped, reg.LocalSnapshot().NodeState)

	rec = doRequest(t, s, http.MethodPost, "/api/node/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.NodeActive, reg.LocalSnapshot().NodeState)
}

func TestLeaderGatedRouteRejectsWithoutStore(t *testing.T) {
	s, _, _ := newTestServer(t, false)

	rec := doRequest(t, s, http.MethodPost, "/api/jobs", types.SubmitRequest{
		Manifest: types.Manifest{JobID: "job-1", FrameEnd: 10, ChunkSize: 5},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "not_leader", payload["error"])
}

func TestSubmitAndListJobs(t *testing.T) {
	s, d, _ := newTestServer(t, true)

	rec := doRequest(t, s, http.MethodPost, "/api/jobs", types.SubmitRequest{
		Manifest: types.Manifest{JobID: "job-1", FrameEnd: 9, ChunkSize: 5},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	d.Tick(context.Background())

	rec = doRequest(t, s, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []types.JobSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "job-1", summaries[0].Job.JobID)
	assert.Equal(t, 2, summaries[0].Total)
}

func TestHandleAssignMapsBusyToConflict(t *testing.T) {
	s, _, _ := newTestServer(t, false)
	s.deps.Assign = func(req types.AssignRequest) error {
		return farmerr.ErrBusy
	}

	rec := doRequest(t, s, http.MethodPost, "/api/dispatch/assign", types.AssignRequest{
		Manifest: types.Manifest{JobID: "job-1"},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "busy", payload["error"])
}

func TestHandleUnsuspendClearsFailureRecord(t *testing.T) {
	s, _, _ := newTestServer(t, true)
	s.deps.Failures.RecordFailure("node-b", 1000)

	rec := doRequest(t, s, http.MethodPost, "/api/nodes/node-b/unsuspend", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := s.deps.Failures.Record("node-b")
	assert.False(t, ok)
}
