// Package reporter implements the worker-side half of the mesh protocol:
// buffering chunk and frame progress from the local render executor and
// flushing it to whichever node currently holds the leader role, with
// backoff on failure. It runs its own ~50ms poll loop the same way the
// teacher's worker.go runs a dedicated ticker goroutine per concern.
package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrender/farm/pkg/meshclient"
	"github.com/meshrender/farm/pkg/types"
)

const (
	pollInterval      = 50 * time.Millisecond
	frameFlushPeriod  = 2 * time.Second
	leaderCooldown    = 5 * time.Second
	flushConnect      = 500 * time.Millisecond
	flushRead         = 2 * time.Second
)

// LeaderSink is satisfied directly by the dispatcher's enqueue methods; it
// is the bypass path used when the local node is itself the leader, so
// reports never take an HTTP round trip to reach their own node's queues.
type LeaderSink interface {
	ReportCompletion(report types.CompletionReport)
	ReportFailure(report types.FailureReport)
	ReportFrames(jobID, nodeID string, frames []int)
}

// LeaderLocator resolves the current leader's node id and endpoint, as
// known by the local PeerRegistry.
type LeaderLocator interface {
	Leader() (nodeID string, isLocalLeader bool)
	Endpoint(nodeID string) (string, bool)
}

type chunkReport struct {
	completed *types.CompletionReport
	failed    *types.FailureReport
}

// controlRequest is a one-off outbound control call (job pause/resume/...,
// node unsuspend) queued by a CLI or MeshAPI handler and executed by the
// reporter's worker loop so every outbound mesh call funnels through one
// cooldown-aware path.
type controlRequest struct {
	do       func(ctx context.Context, client *meshclient.Client) error
	callback func(error)
}

// Reporter buffers chunk/frame completion events for the local node and
// flushes them to the current leader.
type Reporter struct {
	log      zerolog.Logger
	nodeID   string
	leader   LeaderLocator
	sink     LeaderSink

	mu           sync.Mutex
	chunkReports []chunkReport
	frameReports []types.FrameReport

	controlMu sync.Mutex
	controls  []controlRequest

	cooldownMu  sync.Mutex
	cooldownEnd time.Time

	lastFrameFlush time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reporter for nodeID. leader resolves the current leader;
// sink is where reports go when the local node is that leader.
func New(nodeID string, leader LeaderLocator, sink LeaderSink, logger zerolog.Logger) *Reporter {
	return &Reporter{
		log:    logger.With().Str("component", "reporter").Logger(),
		nodeID: nodeID,
		leader: leader,
		sink:   sink,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the ~50ms poll loop.
func (r *Reporter) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop joins the poll loop.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	r.drainControls(ctx)

	if r.inCooldown() {
		return
	}

	if _, isLocalLeader := r.leader.Leader(); isLocalLeader {
		r.applyLocally()
		return
	}

	r.flushChunkReports(ctx)

	if time.Since(r.lastFrameFlush) >= frameFlushPeriod {
		r.lastFrameFlush = time.Now()
		r.flushFrameReports(ctx)
	}
}

// ReportChunkCompletion buffers a successful chunk completion.
func (r *Reporter) ReportChunkCompletion(report types.CompletionReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunkReports = append(r.chunkReports, chunkReport{completed: &report})
}

// ReportChunkFailure buffers a chunk render failure.
func (r *Reporter) ReportChunkFailure(report types.FailureReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunkReports = append(r.chunkReports, chunkReport{failed: &report})
}

// ReportFrame buffers a single completed frame inside an in-progress chunk.
func (r *Reporter) ReportFrame(jobID string, frame int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameReports = append(r.frameReports, types.FrameReport{NodeID: r.nodeID, JobID: jobID, Frame: frame})
}

// applyLocally bypasses HTTP entirely and hands buffered reports straight
// to the dispatcher's queues, used when the local node is the leader.
func (r *Reporter) applyLocally() {
	r.mu.Lock()
	chunks := r.chunkReports
	r.chunkReports = nil
	frames := r.frameReports
	r.frameReports = nil
	r.mu.Unlock()

	for _, cr := range chunks {
		switch {
		case cr.completed != nil:
			r.sink.ReportCompletion(*cr.completed)
		case cr.failed != nil:
			r.sink.ReportFailure(*cr.failed)
		}
	}

	byJob := make(map[string][]int)
	for _, f := range frames {
		byJob[f.JobID] = append(byJob[f.JobID], f.Frame)
	}
	for jobID, fr := range byJob {
		r.sink.ReportFrames(jobID, r.nodeID, fr)
	}
}

// flushChunkReports sends buffered chunk reports one POST at a time. A
// single failure sets the cooldown and prepends the unsent tail (including
// the report that failed) back onto the buffer so per-chunk ordering is
// preserved across retries.
func (r *Reporter) flushChunkReports(ctx context.Context) {
	r.mu.Lock()
	pending := r.chunkReports
	r.chunkReports = nil
	r.mu.Unlock()

	client, ok := r.leaderClient()
	if !ok {
		r.requeueChunkReports(pending)
		return
	}

	for i, cr := range pending {
		callCtx, cancel := context.WithTimeout(ctx, flushConnect+flushRead)
		var err error
		switch {
		case cr.completed != nil:
			err = client.ReportCompletion(callCtx, *cr.completed)
		case cr.failed != nil:
			err = client.ReportFailure(callCtx, *cr.failed)
		}
		cancel()
		if err != nil {
			r.startCooldown()
			r.requeueChunkReports(pending[i:])
			return
		}
	}
}

func (r *Reporter) requeueChunkReports(unsent []chunkReport) {
	if len(unsent) == 0 {
		return
	}
	r.mu.Lock()
	r.chunkReports = append(unsent, r.chunkReports...)
	r.mu.Unlock()
}

// flushFrameReports groups the buffered frame reports by job id and sends
// one POST per group.
func (r *Reporter) flushFrameReports(ctx context.Context) {
	r.mu.Lock()
	pending := r.frameReports
	r.frameReports = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	client, ok := r.leaderClient()
	if !ok {
		r.requeueFrameReports(pending)
		return
	}

	byJob := make(map[string][]int)
	order := make([]string, 0)
	for _, f := range pending {
		if _, seen := byJob[f.JobID]; !seen {
			order = append(order, f.JobID)
		}
		byJob[f.JobID] = append(byJob[f.JobID], f.Frame)
	}

	for i, jobID := range order {
		err := client.ReportFrameComplete(flushCtx(ctx), types.FrameCompleteRequest{
			NodeID: r.nodeID,
			JobID:  jobID,
			Frames: byJob[jobID],
		})
		if err != nil {
			r.startCooldown()
			var tail []types.FrameReport
			for _, remaining := range order[i:] {
				for _, frame := range byJob[remaining] {
					tail = append(tail, types.FrameReport{NodeID: r.nodeID, JobID: remaining, Frame: frame})
				}
			}
			r.requeueFrameReports(tail)
			return
		}
	}
}

func (r *Reporter) requeueFrameReports(unsent []types.FrameReport) {
	if len(unsent) == 0 {
		return
	}
	r.mu.Lock()
	r.frameReports = append(unsent, r.frameReports...)
	r.mu.Unlock()
}

func (r *Reporter) leaderClient() (*meshclient.Client, bool) {
	leaderID, _ := r.leader.Leader()
	if leaderID == "" {
		return nil, false
	}
	endpoint, ok := r.leader.Endpoint(leaderID)
	if !ok || endpoint == "" {
		return nil, false
	}
	return meshclient.New(endpoint).WithTimeouts(flushConnect, flushRead), true
}

func (r *Reporter) startCooldown() {
	r.cooldownMu.Lock()
	r.cooldownEnd = time.Now().Add(leaderCooldown)
	r.cooldownMu.Unlock()
}

func (r *Reporter) inCooldown() bool {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	return time.Now().Before(r.cooldownEnd)
}

func flushCtx(parent context.Context) context.Context {
	ctx, cancel := context.WithTimeout(parent, flushConnect+flushRead)
	_ = cancel
	return ctx
}

// Do queues a one-off control call to the leader and blocks until it
// completes or ctx is done. It is the synchronous entry point CLI commands
// and MeshAPI handlers use for job pause/resume/cancel/archive/delete/
// retry-failed/resubmit and node unsuspend.
func (r *Reporter) Do(ctx context.Context, fn func(ctx context.Context, client *meshclient.Client) error) error {
	result := make(chan error, 1)
	r.controlMu.Lock()
	r.controls = append(r.controls, controlRequest{
		do: fn,
		callback: func(err error) {
			result <- err
		},
	})
	r.controlMu.Unlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) drainControls(ctx context.Context) {
	r.controlMu.Lock()
	batch := r.controls
	r.controls = nil
	r.controlMu.Unlock()

	if len(batch) == 0 {
		return
	}

	client, ok := r.leaderClient()
	for _, req := range batch {
		var err error
		if !ok {
			err = context.DeadlineExceeded
		} else {
			callCtx, cancel := context.WithTimeout(ctx, flushConnect+flushRead)
			err = req.do(callCtx, client)
			cancel()
		}
		if req.callback != nil {
			req.callback(err)
		}
	}
}
