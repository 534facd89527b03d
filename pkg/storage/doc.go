// Package storage provides the embedded persistence layer for the render
// farm's dispatch state: jobs and chunks.
//
// # Architecture
//
// The store is backed by a single BoltDB (go.etcd.io/bbolt) file with two
// top-level buckets:
//
//	jobs    job_id -> JSON-encoded types.JobRow
//	chunks  chunk_id -> JSON-encoded types.ChunkRow
//
// There is no separate index bucket for "chunks by job" or "chunks by
// state". Those lookups are done by scanning the chunks bucket with
// (*bolt.Bucket).ForEach and filtering in memory (the Filter Pattern,
// below). A render farm's chunk count per job is small enough (low
// thousands at the outer extreme) that a bucket scan per dispatcher tick is
// cheaper than maintaining secondary indexes that must stay consistent
// across every mutation.
//
// Exactly one node — the current leader — opens this database for writing
// at a time. Followers hold no BoltStore at all; on a leader transition the
// new leader restores the most recent snapshot from the shared filesystem
// mount (see RestoreFrom) before opening it locally. This avoids BoltDB's
// single-writer-per-file constraint ever being violated across a role
// change.
//
// # Core Components
//
//   - BoltStore: the concrete Store implementation. All exported methods
//     open a bolt transaction, mutate or read the relevant bucket(s), and
//     return a typed error from pkg/farmerr on any unmet precondition
//     (farmerr.ErrNotFound, farmerr.ErrAlreadyExists, farmerr.ErrConflict).
//   - RestoreFrom: stages a remote snapshot file locally (BoltDB cannot
//     open a database that another process may still be writing to) and
//     runs a cheap integrity probe before handing the caller a ready store.
//
// # Filter Pattern
//
// Every "list chunks for job X" or "list chunks in state Y" style query is
// implemented as a full ForEach scan with an in-memory predicate, never a
// secondary index bucket. This keeps every mutation (AssignChunk,
// CompleteChunk, FailChunk, ...) a single-bucket, single-key write — no
// index bucket to keep in sync, no risk of a crash leaving an index and its
// backing row disagreeing with each other.
//
// # Conditional Updates
//
// AssignChunk and CompleteChunk check the chunk's current state before
// mutating it and return farmerr.ErrConflict if the expected prior state
// doesn't hold (pending->assigned, assigned->completed). This is what lets
// the dispatcher and the worker-facing reporter both poke at the same chunk
// without a separate locking protocol: the state transition itself is the
// lock. FailChunk and RevertChunk do not check the prior state; they apply
// to the chunk in whatever state it is in.
//
// # Snapshots
//
// SnapshotTo uses a read-only bolt transaction's WriteTo, which performs an
// online, consistent backup without blocking concurrent writers (BoltDB's
// MVCC guarantees the reader sees a point-in-time view). The dispatcher
// calls this periodically and moves the result onto the shared filesystem
// mount so a newly elected leader on another node has something to
// restore.
//
// # Troubleshooting
//
//   - "database is locked" error on Open: a stale leader process is still
//     holding the file; its role-transition teardown did not complete.
//   - A restored snapshot fails RestoreFrom's integrity probe: the leader
//     that wrote it likely crashed mid-snapshot. The new leader falls back
//     to starting from an empty store rather than blocking forever.
package storage
