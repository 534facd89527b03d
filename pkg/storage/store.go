package storage

import (
	"github.com/meshrender/farm/pkg/types"
)

// Store is the single source of dispatch truth: two logical tables, jobs and
// chunks. It is owned exclusively by the current leader. All operations are
// atomic; failures return a typed error from pkg/farmerr rather than panicking
// across component boundaries.
type Store interface {
	InsertJob(row types.JobRow) error
	InsertChunks(jobID string, chunks []types.ChunkRow) error
	GetJob(jobID string) (types.JobRow, bool, error)
	ListJobSummaries() ([]types.JobSummary, error)
	GetChunks(jobID string) ([]types.ChunkRow, error)
	UpdateJobState(jobID string, state types.JobState) error
	UpdateJobPriority(jobID string, priority int) error
	DeleteJob(jobID string) error

	// FindNextPendingForNode is the central dispatch query: the first pending
	// chunk of the most eligible active job this node may take, and that
	// job's manifest. ok is false when there is nothing to assign.
	FindNextPendingForNode(nodeTags []string, nodeID string) (chunk types.ChunkRow, manifest types.Manifest, ok bool, err error)

	AssignChunk(chunkID, nodeID string, nowMs int64) error
	CompleteChunk(jobID string, frameStart, frameEnd int, nowMs int64) error
	FailChunk(jobID string, frameStart, frameEnd int, maxRetries int, failingNodeID string) error
	// RevertChunk reverts an assigned chunk to pending without touching
	// failed_on or retry_count; used when a dispatch target turns out to be
	// unreachable rather than genuinely having failed the render.
	RevertChunk(jobID string, frameStart, frameEnd int) error
	ReassignDeadWorker(nodeID string) (int, error)
	IsJobComplete(jobID string) (bool, error)
	AddCompletedFrames(jobID string, frames []int) error
	ResetAllChunks(jobID string) error
	RetryFailedChunks(jobID string) error

	// SnapshotTo copies the live database to path without blocking writers,
	// using a read-only transaction (online backup semantics).
	SnapshotTo(path string) error

	Close() error
}
