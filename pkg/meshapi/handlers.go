package meshapi

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"

	"github.com/go-chi/chi/v5"

	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/storage"
	"github.com/meshrender/farm/pkg/types"
)

// handleStatus serves the local node's own PeerInfo snapshot: the one place
// hostname/os/app_version get attached, since PeerRegistry only tracks
// those fields for remote peers (filled in by their own /api/status replies).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info := toPeerInfo(s.deps.Registry.LocalSnapshot())
	info.Hostname, _ = os.Hostname()
	info.OS = runtime.GOOS
	info.AppVersion = s.deps.AppVersion
	writeJSON(w, http.StatusOK, info)
}

// handlePeers serves every peer known to the local registry, self included.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.deps.Registry.AllPeers()
	out := make([]types.PeerInfo, 0, len(peers)+1)
	out = append(out, toPeerInfo(s.deps.Registry.LocalSnapshot()))
	for _, p := range peers {
		out = append(out, toPeerInfo(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func toPeerInfo(p types.PeerEntry) types.PeerInfo {
	return types.PeerInfo{
		NodeID:      p.NodeID,
		Endpoint:    p.Endpoint,
		Hostname:    p.Hostname,
		OS:          p.OS,
		AppVersion:  p.AppVersion,
		GPU:         p.GPU,
		CPU:         p.CPU,
		RAMMb:       p.RAMMb,
		NodeState:   p.NodeState,
		RenderState: p.RenderState,
		ActiveJob:   p.ActiveJob,
		ActiveChunk: p.ActiveChunk,
		Priority:    p.Priority,
		Tags:        p.Tags,
		IsLeader:    p.IsLeader,
	}
}

func (s *Server) handleNodeStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Registry.SetNodeState(types.NodeStopped)
	if s.deps.PersistNode != nil {
		if err := s.deps.PersistNode(true); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist node_stopped=true")
		}
	}
	writeOK(w)
}

func (s *Server) handleNodeStart(w http.ResponseWriter, r *http.Request) {
	s.deps.Registry.SetNodeState(types.NodeActive)
	if s.deps.PersistNode != nil {
		if err := s.deps.PersistNode(false); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist node_stopped=false")
		}
	}
	writeOK(w)
}

// handleAssign accepts an inbound chunk assignment from the leader. Busy and
// stopped are protocol-level outcomes, not errors: any other failure
// degrades to a plain 503.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req types.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, farmerr.ErrValidation)
		return
	}
	if s.deps.Assign == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "internal")
		return
	}
	if err := s.deps.Assign(req); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, farmerr.ErrValidation)
		return
	}
	if err := s.deps.Dispatcher.Submit(req.Manifest, req.Priority); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) store() (storage.Store, bool) {
	return s.deps.Dispatcher.Store()
}

// handleListJobs serves every job summary except archived ones.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store()
	if !ok {
		writeNotLeader(w, "")
		return
	}
	summaries, err := store.ListJobSummaries()
	if err != nil {
		writeErr(w, farmerr.ErrStorage)
		return
	}
	out := make([]types.JobSummary, 0, len(summaries))
	for _, sum := range summaries {
		if sum.Job.CurrentState == types.JobArchived {
			continue
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store()
	if !ok {
		writeNotLeader(w, "")
		return
	}
	jobID := chi.URLParam(r, "id")
	job, found, err := store.GetJob(jobID)
	if err != nil {
		writeErr(w, farmerr.ErrStorage)
		return
	}
	if !found {
		writeErr(w, farmerr.ErrNotFound)
		return
	}
	chunks, err := store.GetChunks(jobID)
	if err != nil {
		writeErr(w, farmerr.ErrStorage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "chunks": chunks})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store()
	if !ok {
		writeNotLeader(w, "")
		return
	}
	if err := store.DeleteJob(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

// handleJobAction dispatches pause/resume/cancel/archive/retry-failed/
// resubmit by the {action} route parameter. Resubmit's response carries the
// newly created job's manifest so the caller doesn't need a follow-up GET.
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store()
	if !ok {
		writeNotLeader(w, "")
		return
	}
	jobID := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	switch action {
	case "pause":
		writeStateChange(w, store.UpdateJobState(jobID, types.JobPaused))
	case "resume":
		writeStateChange(w, store.UpdateJobState(jobID, types.JobActive))
	case "archive":
		writeStateChange(w, store.UpdateJobState(jobID, types.JobArchived))
	case "cancel":
		if err := store.UpdateJobState(jobID, types.JobCancelled); err != nil {
			writeErr(w, err)
			return
		}
		if s.deps.CancelLocal != nil {
			s.deps.CancelLocal(jobID)
		}
		writeOK(w)
	case "retry-failed":
		writeStateChange(w, store.RetryFailedChunks(jobID))
	case "resubmit":
		manifest, err := s.deps.Dispatcher.Resubmit(jobID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "job_id": manifest.JobID})
	default:
		writeErr(w, farmerr.ErrValidation)
	}
}

func writeStateChange(w http.ResponseWriter, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var report types.CompletionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeErr(w, farmerr.ErrValidation)
		return
	}
	s.deps.Dispatcher.ReportCompletion(report)
	writeOK(w)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	var report types.FailureReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeErr(w, farmerr.ErrValidation)
		return
	}
	s.deps.Dispatcher.ReportFailure(report)
	writeOK(w)
}

func (s *Server) handleFrameComplete(w http.ResponseWriter, r *http.Request) {
	var req types.FrameCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, farmerr.ErrValidation)
		return
	}
	s.deps.Dispatcher.ReportFrames(req.JobID, req.NodeID, req.Frames)
	writeOK(w)
}

// handleUnsuspend clears a node's failure-tracker record, lifting a
// suspension imposed by repeated dispatch failures.
func (s *Server) handleUnsuspend(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	s.deps.Failures.Clear(nodeID)
	writeOK(w)
}
