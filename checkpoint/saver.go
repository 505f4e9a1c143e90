package checkpoint

import (
	"context"
	"iter"
)

// ListOptions narrows a List call.
type ListOptions struct {
	// ThreadID restricts results to one thread. Empty scans every thread,
	// an administrative mode meant for inspection rather than resumption.
	ThreadID string

	// Filter keeps only checkpoints whose metadata matches all given
	// key/value pairs. Backends with sub-document predicates evaluate the
	// filter store-side against the stored representation.
	Filter map[string]any

	// Before keeps only checkpoints whose id sorts strictly before the
	// referenced one, which is how callers paginate through history.
	Before *Ref

	// Limit caps the number of results. Zero means unbounded.
	Limit int64
}

// Saver persists checkpoints keyed by (thread id, checkpoint id).
//
// Writes are append-only inserts: a stored checkpoint is never updated, a
// failed Put leaves no document behind, and no operation retries internally.
// Concurrent callers are safe because there are no read-modify-write cycles;
// isolation between threads is part of the contract.
type Saver interface {
	// Put encodes and inserts a new checkpoint document. The checkpoint
	// carries its own id; parentID, when non-empty, is recorded so callers
	// can walk the chain backward. The returned Ref is the handle for the
	// next Put or GetLatest call.
	Put(ctx context.Context, threadID, parentID string, cp *Checkpoint, md Metadata) (Ref, error)

	// GetLatest resolves ref to a stored checkpoint. An empty
	// ref.CheckpointID selects the thread's most recent checkpoint by sort
	// order; otherwise the exact id is looked up. A missing thread or id
	// yields (nil, nil), not an error.
	GetLatest(ctx context.Context, ref Ref) (*Record, error)

	// List yields matching checkpoints in descending checkpoint-id order,
	// most recent first. The ordering is part of the contract. The
	// sequence is lazy, finite, and single-use; each record is fetched and
	// decoded only as it is consumed.
	List(ctx context.Context, opts ListOptions) iter.Seq2[*Record, error]

	// DeleteThread removes every checkpoint of a thread. This is the
	// administrative retention hook; normal operation never deletes.
	DeleteThread(ctx context.Context, threadID string) error
}

// Collect drains a List sequence into a slice, returning what was gathered
// before the first error.
func Collect(seq iter.Seq2[*Record, error]) ([]*Record, error) {
	var out []*Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
