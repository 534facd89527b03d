// Package executor defines the boundary between the farm core and the
// render backend that actually produces frames. The farm core never shells
// out to a renderer itself; it hands a task descriptor to an Executor and
// watches a channel of progress events rather than managing render
// processes inline.
package executor

import (
	"sync"
	"time"
)

// Task describes one chunk to render. Command is opaque to the farm core:
// only the configured Executor implementation interprets it.
type Task struct {
	JobID      string
	ChunkID    string
	FrameStart int
	FrameEnd   int
	Command    any
}

// Event is the sum type of progress notifications an Executor emits while
// running a Task. Exactly one of the fields is meaningful per event; callers
// switch on which pointer is non-nil.
type Event struct {
	Frame       *FrameDone
	ChunkResult *ChunkDone
	ChunkError  *ChunkFailed
}

// FrameDone reports a single completed frame inside an in-progress chunk.
type FrameDone struct {
	Frame int
}

// ChunkDone reports the chunk's render process exiting cleanly.
type ChunkDone struct {
	ExitCode  int
	ElapsedMs int64
}

// ChunkFailed reports the chunk's render process failing before completion.
type ChunkFailed struct {
	Error string
}

// Executor runs a render Task and reports progress asynchronously. Run
// returns immediately; the returned channel is closed once the task reaches
// a terminal event (ChunkDone or ChunkFailed).
type Executor interface {
	Run(task Task) (<-chan Event, error)
	// Cancel aborts an in-flight task by chunk id, if still running.
	Cancel(chunkID string) error
}

// StubExecutor is an in-memory Executor used by tests and by nodes with no
// real renderer configured. It reports every frame in the task's range done
// in order, then a successful ChunkDone, with a small artificial delay
// between frames so callers can observe streaming progress.
type StubExecutor struct {
	FrameDelay time.Duration

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewStubExecutor creates a StubExecutor with a default per-frame delay.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		FrameDelay: time.Millisecond,
		cancelled:  make(map[string]bool),
	}
}

func (s *StubExecutor) Run(task Task) (<-chan Event, error) {
	events := make(chan Event, task.FrameEnd-task.FrameStart+2)
	start := time.Now()

	go func() {
		defer close(events)
		for frame := task.FrameStart; frame <= task.FrameEnd; frame++ {
			if s.isCancelled(task.ChunkID) {
				events <- Event{ChunkError: &ChunkFailed{Error: "cancelled"}}
				return
			}
			time.Sleep(s.FrameDelay)
			events <- Event{Frame: &FrameDone{Frame: frame}}
		}
		events <- Event{ChunkResult: &ChunkDone{
			ExitCode:  0,
			ElapsedMs: time.Since(start).Milliseconds(),
		}}
	}()

	return events, nil
}

func (s *StubExecutor) Cancel(chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[chunkID] = true
	return nil
}

func (s *StubExecutor) isCancelled(chunkID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[chunkID]
}
