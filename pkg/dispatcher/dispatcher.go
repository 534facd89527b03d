// Package dispatcher implements the leader-only dispatch loop: draining
// inbound reports, reaping dead workers, detecting job completion, and
// assigning pending chunks to eligible idle peers. It runs its own
// ticker-driven goroutine independent of the caller.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshrender/farm/pkg/events"
	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/failure"
	"github.com/meshrender/farm/pkg/meshclient"
	"github.com/meshrender/farm/pkg/metrics"
	"github.com/meshrender/farm/pkg/registry"
	"github.com/meshrender/farm/pkg/storage"
	"github.com/meshrender/farm/pkg/types"
)

const (
	tickInterval     = 2 * time.Second
	snapshotInterval = 30 * time.Second

	dispatchConnectTimeout = 500 * time.Millisecond
	dispatchReadTimeout    = 1 * time.Second
)

// LocalDispatchFunc hands a freshly-assigned chunk to the local render path
// without an HTTP round trip. Supplied by the farm at construction so the
// dispatcher never imports the executor/reporter packages directly, which
// would otherwise create a cyclic dependency between the two.
type LocalDispatchFunc func(manifest types.Manifest, chunk types.ChunkRow) error

type pendingSubmission struct {
	manifest types.Manifest
	priority int
}

// Dispatcher is the leader-only assignment loop. A Dispatcher exists on
// every node but only does work while SetStore has been called with a
// ready store (i.e. this node is leader and has finished its role
// transition).
type Dispatcher struct {
	log           zerolog.Logger
	registry      *registry.Registry
	failures      *failure.Tracker
	localDispatch LocalDispatchFunc
	syncRoot      string
	events        *events.Broker

	storeMu sync.RWMutex
	store   storage.Store

	subMu       sync.Mutex
	submissions []pendingSubmission

	compMu      sync.Mutex
	completions []types.CompletionReport

	failMu         sync.Mutex
	failureReports []types.FailureReport

	frameMu      sync.Mutex
	frameReports []types.FrameReport

	lastSnapshot time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Dispatcher bound to reg/failures and the given local
// dispatch callback. syncRoot locates the shared snapshot file.
func New(reg *registry.Registry, failures *failure.Tracker, localDispatch LocalDispatchFunc, syncRoot string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:           logger.With().Str("component", "dispatcher").Logger(),
		registry:      reg,
		failures:      failures,
		localDispatch: localDispatch,
		syncRoot:      syncRoot,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetEventBroker wires an event broker for job/chunk/node lifecycle
// notifications. Optional; publishing is a no-op when none is set.
func (d *Dispatcher) SetEventBroker(b *events.Broker) {
	d.events = b
}

func (d *Dispatcher) publish(eventType events.EventType, message string, metadata map[string]string) {
	if d.events == nil {
		return
	}
	d.events.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}

// SetStore installs the store this node now owns as leader. Called by the
// farm's leader role-transition state machine once leader_db_ready is set.
func (d *Dispatcher) SetStore(s storage.Store) {
	d.storeMu.Lock()
	defer d.storeMu.Unlock()
	d.store = s
}

// ClearStore drops the store reference on leadership loss. The caller is
// responsible for closing the store handle itself.
func (d *Dispatcher) ClearStore() {
	d.storeMu.Lock()
	defer d.storeMu.Unlock()
	d.store = nil
}

// Store returns the dispatcher's current store and whether one is
// installed. Used directly by pkg/meshapi's leader-gating middleware so
// the two packages share a single readiness check.
func (d *Dispatcher) Store() (storage.Store, bool) {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()
	return d.store, d.store != nil
}

// Submit enqueues a manifest for insertion on the next tick.
func (d *Dispatcher) Submit(manifest types.Manifest, priority int) error {
	if manifest.JobID == "" {
		return fmt.Errorf("%w: job_id is required", farmerr.ErrValidation)
	}
	if manifest.FrameEnd < manifest.FrameStart {
		return fmt.Errorf("%w: frame_end must be >= frame_start", farmerr.ErrValidation)
	}
	if manifest.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", farmerr.ErrValidation)
	}

	d.subMu.Lock()
	d.submissions = append(d.submissions, pendingSubmission{manifest: manifest, priority: priority})
	d.subMu.Unlock()
	return nil
}

// ReportCompletion enqueues a chunk completion report. Satisfies the
// reporter package's leader-sink interface.
func (d *Dispatcher) ReportCompletion(report types.CompletionReport) {
	d.compMu.Lock()
	d.completions = append(d.completions, report)
	d.compMu.Unlock()
}

// ReportFailure enqueues a chunk failure report.
func (d *Dispatcher) ReportFailure(report types.FailureReport) {
	d.failMu.Lock()
	d.failureReports = append(d.failureReports, report)
	d.failMu.Unlock()
}

// ReportFrames enqueues a batch of completed frames for one job.
func (d *Dispatcher) ReportFrames(jobID, nodeID string, frames []int) {
	d.frameMu.Lock()
	for _, f := range frames {
		d.frameReports = append(d.frameReports, types.FrameReport{NodeID: nodeID, JobID: jobID, Frame: f})
	}
	d.frameMu.Unlock()
}

// Start launches the 2s tick loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.runLoop(ctx)
}

// Stop joins the tick loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) runLoop(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass. The step order is load-bearing: a chunk
// reported failed this tick cannot be reassigned until the next one.
func (d *Dispatcher) Tick(ctx context.Context) {
	store, ok := d.Store()
	if !ok {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	d.drainSubmissions(store)
	d.drainCompletions(store)
	d.drainFailures(store)
	d.drainFrameReports(store)
	d.reapDeadWorkers(store)
	d.detectJobCompletion(store)
	d.assignWork(ctx, store)
	d.maybeSnapshot(store)
}

func (d *Dispatcher) drainSubmissions(store storage.Store) {
	d.subMu.Lock()
	batch := d.submissions
	d.submissions = nil
	d.subMu.Unlock()

	for _, sub := range batch {
		row := types.JobRow{
			JobID:         sub.manifest.JobID,
			Manifest:      sub.manifest,
			CurrentState:  types.JobActive,
			Priority:      sub.priority,
			SubmittedAtMs: sub.manifest.SubmittedAtMs,
		}
		if err := store.InsertJob(row); err != nil {
			d.log.Error().Err(err).Str("job_id", sub.manifest.JobID).Msg("failed to insert submitted job")
			continue
		}
		chunks := splitIntoChunks(sub.manifest)
		if err := store.InsertChunks(sub.manifest.JobID, chunks); err != nil {
			d.log.Error().Err(err).Str("job_id", sub.manifest.JobID).Msg("failed to insert chunks for submitted job")
			continue
		}
		metrics.JobsTotal.WithLabelValues("active").Inc()
		d.publish(events.EventJobSubmitted, "job submitted", map[string]string{"job_id": sub.manifest.JobID})
		d.log.Info().Str("job_id", sub.manifest.JobID).Int("chunks", len(chunks)).Msg("job submitted")
	}
}

// splitIntoChunks partitions [frame_start, frame_end] into consecutive
// ranges of chunk_size, with the final range possibly shorter.
func splitIntoChunks(manifest types.Manifest) []types.ChunkRow {
	var chunks []types.ChunkRow
	for start := manifest.FrameStart; start <= manifest.FrameEnd; start += manifest.ChunkSize {
		end := start + manifest.ChunkSize - 1
		if end > manifest.FrameEnd {
			end = manifest.FrameEnd
		}
		chunks = append(chunks, types.ChunkRow{
			JobID:      manifest.JobID,
			FrameStart: start,
			FrameEnd:   end,
			State:      types.ChunkPending,
		})
	}
	return chunks
}

func (d *Dispatcher) drainCompletions(store storage.Store) {
	d.compMu.Lock()
	batch := d.completions
	d.completions = nil
	d.compMu.Unlock()

	for _, r := range batch {
		if err := store.CompleteChunk(r.JobID, r.FrameStart, r.FrameEnd, nowMs()); err != nil {
			d.log.Warn().Err(err).Str("job_id", r.JobID).Msg("failed to apply completion report")
			continue
		}
		metrics.ChunksCompleted.Inc()
		d.publish(events.EventChunkCompleted, "chunk completed", map[string]string{"job_id": r.JobID, "node_id": r.NodeID})
	}
}

func (d *Dispatcher) drainFailures(store storage.Store) {
	d.failMu.Lock()
	batch := d.failureReports
	d.failureReports = nil
	d.failMu.Unlock()

	for _, r := range batch {
		job, ok, err := store.GetJob(r.JobID)
		if err != nil || !ok {
			d.log.Warn().Str("job_id", r.JobID).Msg("failure report for unknown job")
			continue
		}
		if err := store.FailChunk(r.JobID, r.FrameStart, r.FrameEnd, job.Manifest.MaxRetries, r.NodeID); err != nil {
			d.log.Warn().Err(err).Str("job_id", r.JobID).Msg("failed to apply failure report")
			continue
		}
		metrics.ChunksFailed.Inc()
		d.publish(events.EventChunkFailed, "chunk failed", map[string]string{"job_id": r.JobID, "node_id": r.NodeID, "error": r.Error})

		wasSuspended := d.failures.IsSuspended(r.NodeID)
		d.failures.RecordFailure(r.NodeID, nowMs())
		if !wasSuspended && d.failures.IsSuspended(r.NodeID) {
			d.log.Warn().Str("node_id", r.NodeID).Msg("node suspended after repeated dispatch failures")
			metrics.NodesSuspended.Inc()
			d.publish(events.EventNodeSuspended, "node suspended", map[string]string{"node_id": r.NodeID})
		}
	}
}

func (d *Dispatcher) drainFrameReports(store storage.Store) {
	d.frameMu.Lock()
	batch := d.frameReports
	d.frameReports = nil
	d.frameMu.Unlock()

	byJob := make(map[string][]int)
	for _, r := range batch {
		byJob[r.JobID] = append(byJob[r.JobID], r.Frame)
	}
	for jobID, frames := range byJob {
		if err := store.AddCompletedFrames(jobID, frames); err != nil {
			d.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to record completed frames")
		}
	}
}

func (d *Dispatcher) reapDeadWorkers(store storage.Store) {
	for _, peer := range d.registry.AllPeers() {
		if peer.IsAlive {
			continue
		}
		n, err := store.ReassignDeadWorker(peer.NodeID)
		if err != nil {
			d.log.Warn().Err(err).Str("node_id", peer.NodeID).Msg("failed to reap dead worker")
			continue
		}
		if n > 0 {
			metrics.ChunksReassigned.Add(float64(n))
			d.log.Info().Str("node_id", peer.NodeID).Int("count", n).Msg("reassigned chunks from dead worker")
		}
	}
}

func (d *Dispatcher) detectJobCompletion(store storage.Store) {
	summaries, err := store.ListJobSummaries()
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to list job summaries")
		return
	}
	for _, s := range summaries {
		if s.Job.CurrentState != types.JobActive {
			continue
		}
		complete, err := store.IsJobComplete(s.Job.JobID)
		if err != nil {
			d.log.Warn().Err(err).Str("job_id", s.Job.JobID).Msg("failed to check job completion")
			continue
		}
		if complete {
			if err := store.UpdateJobState(s.Job.JobID, types.JobCompleted); err != nil {
				d.log.Warn().Err(err).Str("job_id", s.Job.JobID).Msg("failed to mark job completed")
				continue
			}
			metrics.JobsTotal.WithLabelValues("completed").Inc()
			d.publish(events.EventJobCompleted, "job completed", map[string]string{"job_id": s.Job.JobID})
			d.log.Info().Str("job_id", s.Job.JobID).Msg("job completed")
		}
	}
	d.updateChunkMetrics(summaries)
}

// updateChunkMetrics refreshes the per-state chunk gauge from the job
// summaries already fetched this tick, avoiding a second store query.
func (d *Dispatcher) updateChunkMetrics(summaries []types.JobSummary) {
	var pending, rendering, completed, failed float64
	for _, s := range summaries {
		pending += float64(s.Pending)
		rendering += float64(s.Rendering)
		completed += float64(s.Completed)
		failed += float64(s.Failed)
	}
	metrics.ChunksTotal.WithLabelValues(string(types.ChunkPending)).Set(pending)
	metrics.ChunksTotal.WithLabelValues(string(types.ChunkAssigned)).Set(rendering)
	metrics.ChunksTotal.WithLabelValues(string(types.ChunkCompleted)).Set(completed)
	metrics.ChunksTotal.WithLabelValues(string(types.ChunkFailed)).Set(failed)
}

// assignWork enumerates eligible candidate peers (self plus every alive,
// unsuspended, non-stopped, non-rendering peer) and offers each the next
// pending chunk it qualifies for.
func (d *Dispatcher) assignWork(ctx context.Context, store storage.Store) {
	for _, candidate := range d.eligibleCandidates() {
		chunk, manifest, ok, err := store.FindNextPendingForNode(candidate.Tags, candidate.NodeID)
		if err != nil {
			d.log.Warn().Err(err).Msg("failed to query next pending chunk")
			continue
		}
		if !ok {
			continue
		}

		if err := store.AssignChunk(chunk.ID, candidate.NodeID, nowMs()); err != nil {
			// Lost the race to another assignment pass; try the next candidate
			// on the next tick.
			continue
		}
		chunk.State = types.ChunkAssigned
		chunk.AssignedTo = candidate.NodeID

		if dispatchErr := d.dispatchChunk(ctx, candidate, manifest, chunk); dispatchErr != nil {
			d.log.Warn().Err(dispatchErr).Str("node_id", candidate.NodeID).Str("job_id", manifest.JobID).
				Msg("dispatch send failed, reverting chunk to pending")
			if revertErr := store.RevertChunk(manifest.JobID, chunk.FrameStart, chunk.FrameEnd); revertErr != nil {
				d.log.Error().Err(revertErr).Msg("failed to revert chunk after dispatch failure")
			}
			continue
		}
		metrics.ChunksAssigned.Inc()
	}
}

func (d *Dispatcher) dispatchChunk(ctx context.Context, candidate types.PeerEntry, manifest types.Manifest, chunk types.ChunkRow) error {
	if candidate.NodeID == d.registry.NodeID() {
		if d.localDispatch == nil {
			return fmt.Errorf("no local dispatch handler configured")
		}
		return d.localDispatch(manifest, chunk)
	}

	client := meshclient.New(candidate.Endpoint).WithTimeouts(dispatchConnectTimeout, dispatchReadTimeout)
	dispatchCtx, cancel := context.WithTimeout(ctx, dispatchConnectTimeout+dispatchReadTimeout)
	defer cancel()

	return client.Assign(dispatchCtx, types.AssignRequest{
		Manifest:   manifest,
		FrameStart: chunk.FrameStart,
		FrameEnd:   chunk.FrameEnd,
	})
}

// eligibleCandidates returns self plus every peer with is_alive, not
// stopped, not rendering, and not suspended, sorted by node id for
// deterministic iteration order within a tick.
func (d *Dispatcher) eligibleCandidates() []types.PeerEntry {
	var out []types.PeerEntry

	self := d.registry.LocalSnapshot()
	if self.NodeState != types.NodeStopped && self.RenderState != types.RenderRendering && !d.failures.IsSuspended(self.NodeID) {
		out = append(out, self)
	}

	for _, peer := range d.registry.AllPeers() {
		if !peer.IsAlive {
			continue
		}
		if peer.NodeState == types.NodeStopped {
			continue
		}
		if peer.RenderState == types.RenderRendering {
			continue
		}
		if d.failures.IsSuspended(peer.NodeID) {
			continue
		}
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (d *Dispatcher) maybeSnapshot(store storage.Store) {
	if time.Since(d.lastSnapshot) < snapshotInterval {
		return
	}
	d.lastSnapshot = time.Now()

	go func() {
		if err := snapshotAndMove(store, d.syncRoot); err != nil {
			d.log.Warn().Err(err).Msg("periodic snapshot failed")
		}
	}()
}

// Resubmit copies an existing job's manifest into a new job with a fresh
// id and submission timestamp, deriving the next unused "-vN" suffix.
func (d *Dispatcher) Resubmit(jobID string) (types.Manifest, error) {
	store, ok := d.Store()
	if !ok {
		return types.Manifest{}, farmerr.ErrNotLeader
	}

	job, ok, err := store.GetJob(jobID)
	if err != nil {
		return types.Manifest{}, err
	}
	if !ok {
		return types.Manifest{}, farmerr.ErrNotFound
	}

	newManifest := job.Manifest
	newID := nextVersionedID(jobID)
	for {
		_, exists, err := store.GetJob(newID)
		if err != nil {
			return types.Manifest{}, err
		}
		if !exists {
			break
		}
		newID = nextVersionedID(newID)
	}
	newManifest.JobID = newID
	newManifest.SubmittedAtMs = nowMs()

	if err := d.Submit(newManifest, job.Priority); err != nil {
		return types.Manifest{}, err
	}
	return newManifest, nil
}

// nextVersionedID strips any trailing "-vN" suffix from jobID and appends
// the next integer suffix, e.g. "render-42" -> "render-42-v1",
// "render-42-v1" -> "render-42-v2".
func nextVersionedID(jobID string) string {
	base := jobID
	next := 1
	if idx := strings.LastIndex(jobID, "-v"); idx != -1 {
		if n, err := strconv.Atoi(jobID[idx+2:]); err == nil {
			base = jobID[:idx]
			next = n + 1
		}
	}
	return fmt.Sprintf("%s-v%d", base, next)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
