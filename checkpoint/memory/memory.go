package memory

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/codec"
)

// MemorySaver implements checkpoint.Saver in process memory. It runs every
// value through the codec like the networked backends do, so codec behavior
// (including legacy payload reads) is exercised identically, and it is the
// backend of choice for tests and single-process tools.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string][]*entry // sorted ascending by checkpoint id
	codec   codec.Codec
}

var _ checkpoint.Saver = (*MemorySaver)(nil)

type entry struct {
	id       string
	parentID string
	state    []byte
	metadata map[string][]byte
}

// NewMemorySaver creates an empty saver using the default codec.
func NewMemorySaver() *MemorySaver {
	return NewMemorySaverWithCodec(nil)
}

// NewMemorySaverWithCodec creates an empty saver with a caller-supplied codec.
func NewMemorySaverWithCodec(cdc codec.Codec) *MemorySaver {
	if cdc == nil {
		cdc = checkpoint.DefaultCodec()
	}
	return &MemorySaver{
		threads: make(map[string][]*entry),
		codec:   cdc,
	}
}

// Put encodes and appends a new checkpoint.
func (s *MemorySaver) Put(_ context.Context, threadID, parentID string, cp *checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Ref, error) {
	if err := checkpoint.ValidatePut(threadID, cp); err != nil {
		return checkpoint.Ref{}, err
	}

	state, err := s.codec.Encode(cp)
	if err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	mdDoc := make(map[string][]byte, len(md))
	for k, v := range md {
		payload, err := s.codec.Encode(v)
		if err != nil {
			return checkpoint.Ref{}, fmt.Errorf("failed to encode metadata field %q: %w", k, err)
		}
		mdDoc[k] = payload
	}

	e := &entry{id: cp.ID, parentID: parentID, state: state, metadata: mdDoc}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.threads[threadID]
	pos := sort.Search(len(entries), func(i int) bool { return entries[i].id >= e.id })
	if pos < len(entries) && entries[pos].id == e.id {
		return checkpoint.Ref{}, fmt.Errorf("checkpoint %s already exists for thread %s", e.id, threadID)
	}
	entries = append(entries, nil)
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = e
	s.threads[threadID] = entries

	return checkpoint.Ref{ThreadID: threadID, CheckpointID: cp.ID}, nil
}

// GetLatest resolves ref to a stored checkpoint; missing yields (nil, nil).
func (s *MemorySaver) GetLatest(_ context.Context, ref checkpoint.Ref) (*checkpoint.Record, error) {
	if err := checkpoint.ValidateGet(ref); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := s.threads[ref.ThreadID]
	var found *entry
	if ref.CheckpointID == "" {
		if len(entries) > 0 {
			found = entries[len(entries)-1]
		}
	} else {
		pos := sort.Search(len(entries), func(i int) bool { return entries[i].id >= ref.CheckpointID })
		if pos < len(entries) && entries[pos].id == ref.CheckpointID {
			found = entries[pos]
		}
	}
	s.mu.RUnlock()

	if found == nil {
		return nil, nil
	}
	return s.record(ref.ThreadID, found)
}

// List yields matching checkpoints newest first. Candidates are snapshotted
// under the read lock; decoding happens lazily as the sequence is consumed.
func (s *MemorySaver) List(_ context.Context, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Record, error] {
	type candidate struct {
		threadID string
		e        *entry
	}

	s.mu.RLock()
	var candidates []candidate
	if opts.ThreadID != "" {
		for _, e := range s.threads[opts.ThreadID] {
			candidates = append(candidates, candidate{opts.ThreadID, e})
		}
	} else {
		for threadID, entries := range s.threads {
			for _, e := range entries {
				candidates = append(candidates, candidate{threadID, e})
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].e.id > candidates[j].e.id })

	return func(yield func(*checkpoint.Record, error) bool) {
		filter := make(map[string][]byte, len(opts.Filter))
		for k, v := range opts.Filter {
			payload, err := s.codec.Encode(v)
			if err != nil {
				yield(nil, fmt.Errorf("failed to encode filter field %q: %w", k, err))
				return
			}
			filter[k] = payload
		}

		var yielded int64
		for _, c := range candidates {
			if opts.Before != nil && opts.Before.CheckpointID != "" && c.e.id >= opts.Before.CheckpointID {
				continue
			}
			if !matches(c.e, filter) {
				continue
			}
			rec, err := s.record(c.threadID, c.e)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
			yielded++
			if opts.Limit > 0 && yielded >= opts.Limit {
				return
			}
		}
	}
}

// DeleteThread removes every checkpoint of a thread.
func (s *MemorySaver) DeleteThread(_ context.Context, threadID string) error {
	if threadID == "" {
		return checkpoint.ErrEmptyThreadID
	}
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	return nil
}

// matches compares the stored per-key encodings against the encoded filter,
// the same predicate the document backends run store-side.
func matches(e *entry, filter map[string][]byte) bool {
	for k, want := range filter {
		got, ok := e.metadata[k]
		if !ok || !bytes.Equal(got, want) {
			return false
		}
	}
	return true
}

func (s *MemorySaver) record(threadID string, e *entry) (*checkpoint.Record, error) {
	cp, err := checkpoint.DecodeCheckpoint(s.codec, e.state)
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadataValues(s.codec, e.metadata)
	if err != nil {
		return nil, err
	}
	rec := &checkpoint.Record{
		Ref:        checkpoint.Ref{ThreadID: threadID, CheckpointID: e.id},
		Checkpoint: cp,
		Metadata:   md,
	}
	if e.parentID != "" {
		rec.Parent = &checkpoint.Ref{ThreadID: threadID, CheckpointID: e.parentID}
	}
	return rec, nil
}
