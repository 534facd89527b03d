// Package types holds the plain data model shared across the farm: manifests,
// job/chunk rows, peer entries, and the wire shapes exchanged over the mesh.
package types

// JobState is the lifecycle state of a job row.
type JobState string

const (
	JobActive    JobState = "active"
	JobPaused    JobState = "paused"
	JobCancelled JobState = "cancelled"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobArchived  JobState = "archived"
)

// ChunkState is the lifecycle state of a chunk row.
type ChunkState string

const (
	ChunkPending   ChunkState = "pending"
	ChunkAssigned  ChunkState = "assigned"
	ChunkCompleted ChunkState = "completed"
	ChunkFailed    ChunkState = "failed"
)

// NodeState reflects whether a node is accepting new work.
type NodeState string

const (
	NodeActive  NodeState = "active"
	NodeStopped NodeState = "stopped"
)

// RenderState reflects whether a node is currently rendering.
type RenderState string

const (
	RenderIdle      RenderState = "idle"
	RenderRendering RenderState = "rendering"
)

// Reserved tags that bias leader election.
const (
	TagLeader   = "leader"
	TagNoLeader = "noleader"
)

// Manifest describes a render job. It is immutable once submitted; only the
// opaque Command is ever interpreted, and only by the render executor.
type Manifest struct {
	JobID          string   `json:"job_id"`
	TemplateID     string   `json:"template_id"`
	SubmittedBy    string   `json:"submitted_by"`
	SubmittedAtMs  int64    `json:"submitted_at_ms"`
	FrameStart     int      `json:"frame_start"`
	FrameEnd       int      `json:"frame_end"`
	ChunkSize      int      `json:"chunk_size"`
	MaxRetries     int      `json:"max_retries"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	OutputDir      string   `json:"output_dir,omitempty"`
	TagsRequired   []string `json:"tags_required,omitempty"`
	Command        any      `json:"command,omitempty"`
}

// JobRow is the persisted record for a job.
type JobRow struct {
	JobID         string   `json:"job_id"`
	Manifest      Manifest `json:"manifest"`
	CurrentState  JobState `json:"current_state"`
	Priority      int      `json:"priority"`
	SubmittedAtMs int64    `json:"submitted_at_ms"`
}

// ChunkRow is the persisted record for a chunk. CompletedFrames and FailedOn
// are kept as sorted slices rather than maps so JSON encoding is deterministic.
type ChunkRow struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	FrameStart      int        `json:"frame_start"`
	FrameEnd        int        `json:"frame_end"`
	State           ChunkState `json:"state"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	AssignedAtMs    int64      `json:"assigned_at_ms,omitempty"`
	CompletedAtMs   int64      `json:"completed_at_ms,omitempty"`
	RetryCount      int        `json:"retry_count"`
	CompletedFrames []int      `json:"completed_frames,omitempty"`
	FailedOn        []string   `json:"failed_on,omitempty"`
}

// JobSummary is a job row plus a per-state chunk count aggregation.
type JobSummary struct {
	Job       JobRow `json:"job"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Rendering int    `json:"rendering"`
	Pending   int    `json:"pending"`
}

// PeerEntry is the in-memory record PeerRegistry keeps for every other node.
type PeerEntry struct {
	NodeID      string      `json:"node_id"`
	Endpoint    string      `json:"endpoint"`
	Hostname    string      `json:"hostname"`
	OS          string      `json:"os"`
	AppVersion  string      `json:"app_version"`
	GPU         string      `json:"gpu,omitempty"`
	CPU         string      `json:"cpu,omitempty"`
	RAMMb       int         `json:"ram_mb,omitempty"`
	NodeState   NodeState   `json:"node_state"`
	RenderState RenderState `json:"render_state"`
	ActiveJob   string      `json:"active_job,omitempty"`
	ActiveChunk string      `json:"active_chunk,omitempty"`
	Priority    int         `json:"priority"`
	Tags        []string    `json:"tags,omitempty"`

	// Runtime-only fields, never persisted.
	IsAlive          bool  `json:"is_alive"`
	IsLeader         bool  `json:"is_leader"`
	FailedPolls      int   `json:"failed_polls"`
	LastSeenMs       int64 `json:"last_seen_ms"`
	HasUDPContact    bool  `json:"has_udp_contact"`
	LastUDPContactMs int64 `json:"last_udp_contact_ms"`
}

// PeerInfo is the wire shape returned by GET /api/status and GET /api/peers.
// It mirrors PeerEntry but omits fields that are meaningless off-node.
type PeerInfo struct {
	NodeID      string      `json:"node_id"`
	Endpoint    string      `json:"endpoint"`
	Hostname    string      `json:"hostname"`
	OS          string      `json:"os"`
	AppVersion  string      `json:"app_version"`
	GPU         string      `json:"gpu,omitempty"`
	CPU         string      `json:"cpu,omitempty"`
	RAMMb       int         `json:"ram_mb,omitempty"`
	NodeState   NodeState   `json:"node_state"`
	RenderState RenderState `json:"render_state"`
	ActiveJob   string      `json:"active_job,omitempty"`
	ActiveChunk string      `json:"active_chunk,omitempty"`
	Priority    int         `json:"priority"`
	Tags        []string    `json:"tags,omitempty"`
	IsLeader    bool        `json:"is_leader"`
}

// EndpointDescriptor is the small JSON file every node writes to
// <farm>/nodes/<node_id>/endpoint.json so peers can discover it.
type EndpointDescriptor struct {
	NodeID      string `json:"node_id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// CompletionReport is sent by a worker when a chunk finishes successfully.
type CompletionReport struct {
	NodeID     string `json:"node_id"`
	JobID      string `json:"job_id"`
	FrameStart int    `json:"frame_start"`
	FrameEnd   int    `json:"frame_end"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	ExitCode   int    `json:"exit_code"`
}

// FailureReport is sent by a worker when a chunk render fails.
type FailureReport struct {
	NodeID     string `json:"node_id"`
	JobID      string `json:"job_id"`
	FrameStart int    `json:"frame_start"`
	FrameEnd   int    `json:"frame_end"`
	Error      string `json:"error"`
}

// FrameReport is a single completed frame inside an in-progress chunk.
type FrameReport struct {
	NodeID string `json:"node_id"`
	JobID  string `json:"job_id"`
	Frame  int    `json:"frame"`
}

// SubmitRequest is the leader-side inbound job submission.
type SubmitRequest struct {
	Manifest Manifest `json:"manifest"`
	Priority int      `json:"priority"`
}

// AssignRequest is what the leader POSTs to a worker's /api/dispatch/assign.
type AssignRequest struct {
	Manifest   Manifest `json:"manifest"`
	FrameStart int      `json:"frame_start"`
	FrameEnd   int      `json:"frame_end"`
}

// FrameCompleteRequest batches frame reports for one job in one POST.
type FrameCompleteRequest struct {
	NodeID string `json:"node_id"`
	JobID  string `json:"job_id"`
	Frames []int  `json:"frames"`
}

// HeartbeatDatagram is the UDP multicast fast-path payload.
type HeartbeatDatagram struct {
	Type        string      `json:"t"`
	NodeID      string      `json:"n"`
	IP          string      `json:"ip"`
	Port        int         `json:"port"`
	NodeState   NodeState   `json:"st"`
	RenderState RenderState `json:"rs"`
	JobID       string      `json:"job,omitempty"`
	ChunkID     string      `json:"chunk,omitempty"`
	Priority    int         `json:"pri"`
}

// GoodbyeDatagram is sent once on clean shutdown.
type GoodbyeDatagram struct {
	Type   string `json:"t"`
	NodeID string `json:"n"`
}

const (
	DatagramHeartbeat = "hb"
	DatagramGoodbye   = "bye"
)
