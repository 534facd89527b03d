// Package farmerr defines the farm's error taxonomy as sentinel values so
// callers can branch with errors.Is instead of matching strings.
package farmerr

import "errors"

var (
	// ErrAlreadyExists is returned when a job id collides with an existing row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("not found")

	// ErrNotLeader is returned when a request reaches a non-leader node.
	ErrNotLeader = errors.New("not leader")

	// ErrBusy is returned when an assignment is rejected because the node is
	// already rendering.
	ErrBusy = errors.New("busy")

	// ErrStopped is returned when an assignment is rejected because the node
	// has been toggled stopped.
	ErrStopped = errors.New("stopped")

	// ErrValidation is returned for malformed manifests or request bodies.
	ErrValidation = errors.New("validation error")

	// ErrStorage wraps a Store write failure. Logged, not propagated to peers.
	ErrStorage = errors.New("storage error")

	// ErrUnreachable is returned for a network error reaching a peer.
	ErrUnreachable = errors.New("unreachable")

	// ErrIO is returned for a filesystem failure (snapshot copy, endpoint write).
	ErrIO = errors.New("io error")

	// ErrFatal is returned when the Store cannot be opened after a restore
	// attempt; the farm refuses to start or lead.
	ErrFatal = errors.New("fatal")

	// ErrConflict is returned when a conditional update's precondition does
	// not hold (e.g. AssignChunk on a chunk that is no longer pending).
	ErrConflict = errors.New("conflict")
)
