package meshclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return New(u.Host)
}

func TestStatusOK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(types.PeerInfo{NodeID: "node-a"})
	})

	info, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-a", info.NodeID)
}

func TestAssignBusy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "busy"})
	})

	err := c.Assign(context.Background(), types.AssignRequest{})
	assert.ErrorIs(t, err, farmerr.ErrBusy)
}

func TestAssignStopped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "stopped"})
	})

	err := c.Assign(context.Background(), types.AssignRequest{})
	assert.ErrorIs(t, err, farmerr.ErrStopped)
}

func TestSubmitJobNotLeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_leader", "leader_endpoint": "10.0.0.2:8420"})
	})

	err := c.SubmitJob(context.Background(), types.SubmitRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, farmerr.ErrNotLeader)

	var nle *NotLeaderError
	require.ErrorAs(t, err, &nle)
	assert.Equal(t, "10.0.0.2:8420", nle.LeaderEndpoint)
}

func TestReportCompletionOK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dispatch/complete", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	err := c.ReportCompletion(context.Background(), types.CompletionReport{JobID: "job-1"})
	assert.NoError(t, err)
}

func TestDeleteJobNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.DeleteJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, farmerr.ErrNotFound)
}
