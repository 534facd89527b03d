// Package farm wires every other package into one running node: it owns the
// leader role-transition state machine of the mesh protocol and hands each
// collaborator the function- and interface-shaped dependencies it asked for
// at construction, so no collaborator ever imports this package back.
package farm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrender/farm/pkg/config"
	"github.com/meshrender/farm/pkg/dispatcher"
	"github.com/meshrender/farm/pkg/discovery"
	"github.com/meshrender/farm/pkg/events"
	"github.com/meshrender/farm/pkg/executor"
	"github.com/meshrender/farm/pkg/failure"
	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/meshapi"
	"github.com/meshrender/farm/pkg/metrics"
	"github.com/meshrender/farm/pkg/registry"
	"github.com/meshrender/farm/pkg/reporter"
	"github.com/meshrender/farm/pkg/storage"
	"github.com/meshrender/farm/pkg/types"
)

// AppVersion is stamped into the mesh API's /api/status response and the
// ambient health endpoints. cmd/farmd sets it at startup from its own
// link-time-stamped Version.
var AppVersion = "dev"

// activeChunk tracks one chunk currently rendering on the local node so
// CancelLocal and completion/failure reporting can find it by id.
type activeChunk struct {
	jobID string
}

// Farm is one running node: registry, discovery, dispatcher, reporter, mesh
// API, and the render executor, plus the leader role-transition state
// machine that opens or closes the local Store as leadership changes.
type Farm struct {
	cfg        *config.Config
	configPath string
	log        zerolog.Logger

	registry   *registry.Registry
	failures   *failure.Tracker
	events     *events.Broker
	discovery  *discovery.Plane
	dispatcher *dispatcher.Dispatcher
	reporter   *reporter.Reporter
	mesh       *meshapi.Server
	executor   executor.Executor

	// transitionMu serializes becomeLeader/becomeFollower so a rapid
	// leader flip can never run two role transitions concurrently; the
	// next transition simply blocks until the in-flight one finishes.
	transitionMu sync.Mutex
	storeMu      sync.Mutex
	store        storage.Store

	chunksMu sync.Mutex
	chunks   map[string]activeChunk

	startedAt time.Time
}

// New builds a Farm from cfg. configPath is where node_stopped toggles are
// persisted back to; exec defaults to executor.NewStubExecutor() when nil.
func New(cfg *config.Config, configPath string, exec executor.Executor, logger zerolog.Logger) *Farm {
	if exec == nil {
		exec = executor.NewStubExecutor()
	}

	f := &Farm{
		cfg:        cfg,
		configPath: configPath,
		log:        logger.With().Str("component", "farm").Logger(),
		registry:   registry.New(cfg.NodeID, cfg.Tags, cfg.Priority),
		failures:   failure.NewTracker(),
		events:     events.NewBroker(),
		executor:   exec,
		chunks:     make(map[string]activeChunk),
	}

	if cfg.NodeStopped {
		f.registry.SetNodeState(types.NodeStopped)
	}

	f.dispatcher = dispatcher.New(f.registry, f.failures, f.localDispatch, cfg.SyncRoot, f.log)
	f.dispatcher.SetEventBroker(f.events)

	f.reporter = reporter.New(cfg.NodeID, f.registry, f.dispatcher, f.log)

	f.discovery = discovery.New(cfg, f.registry, f.log)
	f.discovery.OnLeaderChange = f.handleLeaderChange
	f.discovery.OnPeerJoined = func(nodeID string) {
		f.events.Publish(&events.Event{Type: events.EventNodeJoined, Message: "peer joined", Metadata: map[string]string{"node_id": nodeID}})
	}
	f.discovery.OnPeerRemoved = func(nodeID string) {
		f.events.Publish(&events.Event{Type: events.EventNodeLeft, Message: "peer left", Metadata: map[string]string{"node_id": nodeID}})
	}

	f.mesh = meshapi.New(meshapi.Dependencies{
		Registry:    f.registry,
		Dispatcher:  f.dispatcher,
		Failures:    f.failures,
		Assign:      f.handleAssign,
		CancelLocal: f.cancelLocal,
		PersistNode: f.persistNodeState,
		AppVersion:  AppVersion,
	}, fmt.Sprintf(":%d", cfg.HTTPPort), f.log)

	return f
}

// Registry exposes the peer registry for read-only inspection by embedders
// and tests.
func (f *Farm) Registry() *registry.Registry { return f.registry }

// Events returns the farm's event broker, for a UI or log-tailing consumer
// to subscribe to.
func (f *Farm) Events() *events.Broker { return f.events }

// Start brings every collaborator up in dependency order: metadata, mesh
// API listener, discovery plane, dispatch loop, reporter. Mirrors the
// teacher's Bootstrap-then-start-services-then-serve-API ordering.
func (f *Farm) Start(ctx context.Context) error {
	f.startedAt = time.Now()
	metrics.SetVersion(AppVersion)
	metrics.RegisterComponent("store", false, "waiting for leader election")
	metrics.RegisterComponent("discovery", false, "starting")
	metrics.RegisterComponent("dispatcher", true, "dispatcher always accepts submissions")

	if err := f.ensureFarmMeta(); err != nil {
		return err
	}

	f.events.Start()

	if err := f.mesh.Start(); err != nil {
		return fmt.Errorf("farm: start mesh api: %w", err)
	}

	if err := f.discovery.Start(ctx); err != nil {
		return fmt.Errorf("farm: start discovery: %w", err)
	}
	f.registry.SetLocalEndpoint(fmt.Sprintf("%s:%d", f.discovery.LocalIP(), f.cfg.HTTPPort))
	metrics.RegisterComponent("discovery", true, "")

	f.dispatcher.Start(ctx)
	f.reporter.Start(ctx)

	f.log.Info().Str("node_id", f.cfg.NodeID).Int("port", f.cfg.HTTPPort).Msg("farm started")
	return nil
}

// Stop tears collaborators down in reverse order and, if this node was
// leader, forces a final role transition to follower so the local store is
// closed cleanly.
func (f *Farm) Stop(ctx context.Context) error {
	f.reporter.Stop()
	f.dispatcher.Stop()
	f.discovery.Stop()

	f.becomeFollower()

	if err := f.mesh.Stop(ctx); err != nil {
		f.log.Warn().Err(err).Msg("mesh api shutdown did not complete cleanly")
	}
	f.events.Stop()

	f.log.Info().Str("node_id", f.cfg.NodeID).Msg("farm stopped")
	return nil
}

// ensureFarmMeta writes the sync root's top-level farm.json the first time
// any node touches it.
func (f *Farm) ensureFarmMeta() error {
	path := config.FarmMetaPath(f.cfg.SyncRoot)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(config.FarmDir(f.cfg.SyncRoot), 0o755); err != nil {
		return fmt.Errorf("farm: mkdir farm dir: %w", err)
	}
	meta := config.FarmMeta{
		Version:         AppVersion,
		ProtocolVersion: config.ProtocolVersion,
		CreatedBy:       f.cfg.NodeID,
		CreatedAtMs:     time.Now().UnixMilli(),
	}
	return writeFarmMeta(path, meta)
}

// writeFarmMeta writes meta to path via write-temp-then-rename, the same
// atomic-write discipline the endpoint descriptors and config saves use.
func writeFarmMeta(path string, meta config.FarmMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("farm: marshal farm.json: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("farm: write farm.json: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("farm: rename farm.json: %w", err)
	}
	return nil
}

// handleLeaderChange is DiscoveryPlane's callback into the role-transition
// state machine: it always runs the transition on its own goroutine so the
// discovery tick loop is never blocked on a snapshot restore.
func (f *Farm) handleLeaderChange(leaderID string, isLocalLeader bool) {
	go func() {
		f.transitionMu.Lock()
		defer f.transitionMu.Unlock()
		if isLocalLeader {
			f.becomeLeader()
		} else {
			f.becomeFollower()
		}
	}()
}

// becomeLeader restores the shared snapshot into a fresh local copy, falling
// back to an empty database if the snapshot is missing or fails its
// integrity check, then installs the store on the dispatcher.
func (f *Farm) becomeLeader() {
	f.storeMu.Lock()
	alreadyLeader := f.store != nil
	f.storeMu.Unlock()
	if alreadyLeader {
		return
	}

	dataDir := config.LocalDataDir(f.cfg.NodeID)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		f.log.Error().Err(err).Msg("failed to create local data dir, cannot become leader")
		return
	}

	snapshotPath := config.SnapshotPath(f.cfg.SyncRoot)
	localDBPath := filepath.Join(dataDir, "farm.db")

	var store storage.Store
	if _, err := os.Stat(snapshotPath); err == nil {
		restored, restoreErr := storage.RestoreFrom(snapshotPath, localDBPath)
		if restoreErr != nil {
			f.log.Error().Err(restoreErr).Msg("snapshot restore failed integrity check, falling back to empty store")
			os.Remove(localDBPath)
			fresh, freshErr := storage.NewBoltStore(dataDir)
			if freshErr != nil {
				f.log.Error().Err(freshErr).Msg("failed to open fresh store after failed restore")
				return
			}
			store = fresh
		} else {
			store = restored
		}
	} else {
		fresh, freshErr := storage.NewBoltStore(dataDir)
		if freshErr != nil {
			f.log.Error().Err(freshErr).Msg("failed to open fresh leader store")
			return
		}
		store = fresh
	}

	f.storeMu.Lock()
	f.store = store
	f.storeMu.Unlock()

	f.dispatcher.SetStore(store)
	metrics.RegisterComponent("store", true, "")
	f.events.Publish(&events.Event{Type: events.EventLeaderElected, Message: "became leader", Metadata: map[string]string{"node_id": f.cfg.NodeID}})
	f.log.Info().Msg("became leader")
}

// becomeFollower drops and closes the local store, if any. It is also called
// unconditionally on shutdown, so it must be a no-op when the node was never
// leader.
func (f *Farm) becomeFollower() {
	f.storeMu.Lock()
	store := f.store
	f.store = nil
	f.storeMu.Unlock()

	if store == nil {
		return
	}

	f.dispatcher.ClearStore()
	metrics.RegisterComponent("store", false, "not leader")
	if err := store.Close(); err != nil {
		f.log.Warn().Err(err).Msg("failed to close store on leadership loss")
	}
	f.events.Publish(&events.Event{Type: events.EventLeaderLost, Message: "lost leadership", Metadata: map[string]string{"node_id": f.cfg.NodeID}})
	f.log.Info().Msg("lost leadership")
}

// localDispatch is the dispatcher's LocalDispatchFunc: it hands a freshly
// assigned chunk straight to the render executor without an HTTP hop.
func (f *Farm) localDispatch(manifest types.Manifest, chunk types.ChunkRow) error {
	return f.runChunk(manifest, chunk.ID, chunk.FrameStart, chunk.FrameEnd)
}

// handleAssign is the meshapi.AssignFunc: it accepts an inbound chunk
// assignment from a peer that is currently leader.
func (f *Farm) handleAssign(req types.AssignRequest) error {
	chunkID := chunkKey(req.Manifest.JobID, req.FrameStart, req.FrameEnd)
	return f.runChunk(req.Manifest, chunkID, req.FrameStart, req.FrameEnd)
}

func chunkKey(jobID string, frameStart, frameEnd int) string {
	return fmt.Sprintf("%s:%d-%d", jobID, frameStart, frameEnd)
}

// runChunk rejects the assignment if the node is stopped or already
// rendering, otherwise starts the executor and streams its events into the
// reporter until the chunk reaches a terminal state.
func (f *Farm) runChunk(manifest types.Manifest, chunkID string, frameStart, frameEnd int) error {
	local := f.registry.LocalSnapshot()
	if local.NodeState == types.NodeStopped {
		return farmerr.ErrStopped
	}
	if local.RenderState == types.RenderRendering {
		return farmerr.ErrBusy
	}

	f.registry.SetRenderState(types.RenderRendering, manifest.JobID, chunkID)
	f.chunksMu.Lock()
	f.chunks[chunkID] = activeChunk{jobID: manifest.JobID}
	f.chunksMu.Unlock()

	evCh, err := f.executor.Run(executor.Task{
		JobID:      manifest.JobID,
		ChunkID:    chunkID,
		FrameStart: frameStart,
		FrameEnd:   frameEnd,
		Command:    manifest.Command,
	})
	if err != nil {
		f.finishChunk(chunkID)
		return fmt.Errorf("%w: %v", farmerr.ErrIO, err)
	}

	go f.watchChunk(manifest, chunkID, frameStart, frameEnd, evCh)
	return nil
}

func (f *Farm) watchChunk(manifest types.Manifest, chunkID string, frameStart, frameEnd int, evCh <-chan executor.Event) {
	started := time.Now()
	for ev := range evCh {
		switch {
		case ev.Frame != nil:
			f.reporter.ReportFrame(manifest.JobID, ev.Frame.Frame)
		case ev.ChunkResult != nil:
			f.reporter.ReportChunkCompletion(types.CompletionReport{
				NodeID:     f.cfg.NodeID,
				JobID:      manifest.JobID,
				FrameStart: frameStart,
				FrameEnd:   frameEnd,
				ElapsedMs:  ev.ChunkResult.ElapsedMs,
				ExitCode:   ev.ChunkResult.ExitCode,
			})
		case ev.ChunkError != nil:
			f.reporter.ReportChunkFailure(types.FailureReport{
				NodeID:     f.cfg.NodeID,
				JobID:      manifest.JobID,
				FrameStart: frameStart,
				FrameEnd:   frameEnd,
				Error:      ev.ChunkError.Error,
			})
		}
	}
	f.log.Debug().Str("job_id", manifest.JobID).Str("chunk_id", chunkID).Dur("elapsed", time.Since(started)).Msg("chunk render finished")
	f.finishChunk(chunkID)
}

func (f *Farm) finishChunk(chunkID string) {
	f.chunksMu.Lock()
	delete(f.chunks, chunkID)
	f.chunksMu.Unlock()
	f.registry.SetRenderState(types.RenderIdle, "", "")
}

// cancelLocal is the meshapi.CancelLocalFunc: it aborts every locally
// running chunk belonging to jobID.
func (f *Farm) cancelLocal(jobID string) {
	f.chunksMu.Lock()
	var toCancel []string
	for chunkID, ac := range f.chunks {
		if ac.jobID == jobID {
			toCancel = append(toCancel, chunkID)
		}
	}
	f.chunksMu.Unlock()

	for _, chunkID := range toCancel {
		if err := f.executor.Cancel(chunkID); err != nil {
			f.log.Warn().Err(err).Str("chunk_id", chunkID).Msg("failed to cancel local render")
		}
	}
}

// persistNodeState is the meshapi.PersistNodeStateFunc: it writes the
// node_stopped toggle back to the on-disk config so it survives a restart.
func (f *Farm) persistNodeState(stopped bool) error {
	f.cfg.NodeStopped = stopped
	if f.configPath == "" {
		return nil
	}
	return config.Save(f.configPath, f.cfg)
}
