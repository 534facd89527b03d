// Package failure tracks per-node failure counts over a sliding window so
// the dispatcher can stop routing work to a node that is repeatedly
// misbehaving without permanently blacklisting a node that had one bad run.
package failure

import "sync"

const (
	// SuspendThreshold is the number of failures within SuspendWindowMs
	// that flips a node into the suspended state.
	SuspendThreshold = 5
	// SuspendWindowMs is the sliding window, in milliseconds, over which
	// failures accumulate before the counter resets.
	SuspendWindowMs int64 = 300000
)

// Record is the failure history kept for a single node.
type Record struct {
	FailureCount   int
	FirstFailureMs int64
	LastFailureMs  int64
	Suspended      bool
}

// Tracker is a mutex-guarded map of node_id to Record.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
	}
}

// RecordFailure registers a failure for nodeID at nowMs. If the node's prior
// failures fell outside the sliding window, the count resets before this
// failure is added.
func (t *Tracker) RecordFailure(nodeID string, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[nodeID]
	if !ok {
		r = &Record{}
		t.records[nodeID] = r
	}

	if r.FailureCount > 0 && (nowMs-r.FirstFailureMs) > SuspendWindowMs {
		r.FailureCount = 0
		r.FirstFailureMs = nowMs
	}

	if r.FailureCount == 0 {
		r.FirstFailureMs = nowMs
	}

	r.FailureCount++
	r.LastFailureMs = nowMs

	if r.FailureCount >= SuspendThreshold {
		r.Suspended = true
	}
}

// IsSuspended reports whether nodeID has crossed the suspend threshold.
// An unknown node is never suspended.
func (t *Tracker) IsSuspended(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[nodeID]
	if !ok {
		return false
	}
	return r.Suspended
}

// Clear erases all failure history for nodeID, lifting any suspension.
func (t *Tracker) Clear(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, nodeID)
}

// ClearAll erases every tracked node's history.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*Record)
}

// Suspended returns every currently suspended node id and its record.
func (t *Tracker) Suspended() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Record)
	for id, r := range t.records {
		if r.Suspended {
			out[id] = *r
		}
	}
	return out
}

// Record returns a copy of nodeID's record and whether it exists.
func (t *Tracker) Record(nodeID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[nodeID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}
