// Package checkpoint defines the persistence contract for execution-engine
// checkpoints: immutable per-step snapshots of independent threads, linked
// into a parent chain that supports history listing and rewind.
//
// The Saver interface is implemented by the backend subpackages:
//   - checkpoint/mongo: MongoDB, the document-store layout the contract was
//     designed around (one collection, all threads, sub-field metadata filters)
//   - checkpoint/postgres: PostgreSQL with JSONB metadata
//   - checkpoint/sqlite: file-based SQLite
//   - checkpoint/redis: Redis with a per-thread lexicographic index
//   - checkpoint/memory: in-process, for tests and single-process use
//
// All backends share the same semantics: append-only inserts keyed by
// (thread id, checkpoint id), "latest" derived by descending id sort rather
// than a stored pointer, and strict thread isolation.
package checkpoint
