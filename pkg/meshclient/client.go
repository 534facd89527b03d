// Package meshclient implements the HTTP client side of the inter-node
// protocol: short, fixed-timeout calls to a peer's MeshAPI. A fresh
// *http.Client is built per call rather than shared, since peer endpoints
// change over the life of the farm and net/http's connection pooling adds
// more complexity than it saves at this call volume.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/types"
)

// Client makes short-timeout HTTP calls to one peer endpoint ("ip:port").
type Client struct {
	endpoint       string
	connectTimeout time.Duration
	readTimeout    time.Duration
}

// New creates a Client targeting endpoint with the dispatcher's default
// timeouts (500ms connect plus 1s read, applied together as one 1.5s overall
// request timeout). Use WithTimeouts to widen them for discovery's status
// poll.
func New(endpoint string) *Client {
	return &Client{
		endpoint:       endpoint,
		connectTimeout: 500 * time.Millisecond,
		readTimeout:    1 * time.Second,
	}
}

// WithTimeouts overrides the connect/read timeouts.
func (c *Client) WithTimeouts(connect, read time.Duration) *Client {
	c.connectTimeout = connect
	c.readTimeout = read
	return c
}

func (c *Client) httpClient() *http.Client {
	return &http.Client{
		Timeout: c.connectTimeout + c.readTimeout,
	}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("http://%s%s", c.endpoint, path)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, farmerr.ErrUnreachable)
	}
	return resp, nil
}

// Status fetches the peer's local PeerInfo snapshot via GET /api/status.
func (c *Client) Status(ctx context.Context) (types.PeerInfo, error) {
	var info types.PeerInfo
	resp, err := c.do(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("status %d: %w", resp.StatusCode, farmerr.ErrUnreachable)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("decode status: %w", err)
	}
	return info, nil
}

// Assign POSTs an assignment to a worker's /api/dispatch/assign.
func (c *Client) Assign(ctx context.Context, req types.AssignRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/dispatch/assign", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return decodeConflict(resp.Body)
	default:
		return fmt.Errorf("assign status %d: %w", resp.StatusCode, farmerr.ErrUnreachable)
	}
}

func decodeConflict(body io.Reader) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(body).Decode(&payload)
	switch payload.Error {
	case "stopped":
		return farmerr.ErrStopped
	default:
		return farmerr.ErrBusy
	}
}

// SubmitJob POSTs a job submission to the leader's /api/jobs.
func (c *Client) SubmitJob(ctx context.Context, req types.SubmitRequest) error {
	return c.postExpectOKOrNotLeader(ctx, "/api/jobs", req)
}

// ReportCompletion POSTs a chunk completion to the leader.
func (c *Client) ReportCompletion(ctx context.Context, report types.CompletionReport) error {
	return c.postExpectOKOrNotLeader(ctx, "/api/dispatch/complete", report)
}

// ReportFailure POSTs a chunk failure to the leader.
func (c *Client) ReportFailure(ctx context.Context, report types.FailureReport) error {
	return c.postExpectOKOrNotLeader(ctx, "/api/dispatch/failed", report)
}

// ReportFrameComplete POSTs a batch of completed frames for one job.
func (c *Client) ReportFrameComplete(ctx context.Context, req types.FrameCompleteRequest) error {
	return c.postExpectOKOrNotLeader(ctx, "/api/dispatch/frame-complete", req)
}

// JobControl posts a no-body control action to the leader, e.g.
// /api/jobs/:id/pause.
func (c *Client) JobControl(ctx context.Context, jobID, action string) error {
	path := fmt.Sprintf("/api/jobs/%s/%s", jobID, action)
	return c.postExpectOKOrNotLeader(ctx, path, nil)
}

// Resubmit posts the "resubmit" job action and returns the newly created
// job's id from the response body.
func (c *Client) Resubmit(ctx context.Context, jobID string) (string, error) {
	var payload struct {
		JobID string `json:"job_id"`
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%s/resubmit", jobID), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return "", err
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode resubmit response: %w", err)
	}
	return payload.JobID, nil
}

// DeleteJob issues DELETE /api/jobs/:id.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/jobs/%s", jobID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToErr(resp)
}

// ListJobs fetches every non-archived job summary from the leader.
func (c *Client) ListJobs(ctx context.Context) ([]types.JobSummary, error) {
	var out []types.JobSummary
	resp, err := c.do(ctx, http.MethodGet, "/api/jobs", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return nil, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return out, nil
}

// GetJob fetches a single job's row plus its chunks from the leader.
func (c *Client) GetJob(ctx context.Context, jobID string) (types.JobRow, []types.ChunkRow, error) {
	var payload struct {
		Job    types.JobRow    `json:"job"`
		Chunks []types.ChunkRow `json:"chunks"`
	}
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/%s", jobID), nil)
	if err != nil {
		return types.JobRow{}, nil, err
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return types.JobRow{}, nil, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return types.JobRow{}, nil, fmt.Errorf("decode job: %w", err)
	}
	return payload.Job, payload.Chunks, nil
}

// Peers fetches every peer known to the target node, self included.
func (c *Client) Peers(ctx context.Context) ([]types.PeerInfo, error) {
	var out []types.PeerInfo
	resp, err := c.do(ctx, http.MethodGet, "/api/peers", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peers status %d: %w", resp.StatusCode, farmerr.ErrUnreachable)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode peers: %w", err)
	}
	return out, nil
}

// NodeStop POSTs /api/node/stop against the target node.
func (c *Client) NodeStop(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/node/stop", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToErr(resp)
}

// NodeStart POSTs /api/node/start against the target node.
func (c *Client) NodeStart(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/node/start", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToErr(resp)
}

// Unsuspend POSTs /api/nodes/:id/unsuspend to the leader, lifting a
// failure-tracker suspension.
func (c *Client) Unsuspend(ctx context.Context, nodeID string) error {
	return c.postExpectOKOrNotLeader(ctx, fmt.Sprintf("/api/nodes/%s/unsuspend", nodeID), nil)
}

func (c *Client) postExpectOKOrNotLeader(ctx context.Context, path string, body any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusToErr(resp)
}

// NotLeaderError carries the elected leader's endpoint when known, so the
// caller can retry against the right node.
type NotLeaderError struct {
	LeaderEndpoint string
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("not leader (leader endpoint: %q)", e.LeaderEndpoint)
}

func (e *NotLeaderError) Unwrap() error { return farmerr.ErrNotLeader }

func statusToErr(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusServiceUnavailable:
		var payload struct {
			Error          string `json:"error"`
			LeaderEndpoint string `json:"leader_endpoint"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &NotLeaderError{LeaderEndpoint: payload.LeaderEndpoint}
	case http.StatusConflict:
		return decodeConflict(resp.Body)
	case http.StatusNotFound:
		return farmerr.ErrNotFound
	default:
		return fmt.Errorf("status %d: %w", resp.StatusCode, farmerr.ErrUnreachable)
	}
}
