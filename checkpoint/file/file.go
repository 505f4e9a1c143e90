package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/codec"
	"github.com/smallnest/checkpointgo/log"
)

const fileExt = ".ckpt"

// FileSaver implements checkpoint.Saver on the local filesystem. Each thread
// owns a directory; each checkpoint is a single file named by its ID, so
// lexicographic filename order is history order.
type FileSaver struct {
	path   string
	codec  codec.Codec
	logger log.Logger
}

var _ checkpoint.Saver = (*FileSaver)(nil)

// FileOptions configuration for the filesystem saver.
type FileOptions struct {
	Path   string      // Root directory, created if missing
	Codec  codec.Codec // Default checkpoint.DefaultCodec()
	Logger log.Logger  // Default no-op
}

// envelope is the on-disk frame around the codec payloads.
type envelope struct {
	Parent   string `json:"parent,omitempty"`
	State    []byte `json:"state"`
	Metadata []byte `json:"metadata"`
}

// NewFileSaver creates a filesystem-backed saver rooted at opts.Path.
func NewFileSaver(opts FileOptions) (*FileSaver, error) {
	if opts.Path == "" {
		return nil, errors.New("file saver path is required")
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	cdc := opts.Codec
	if cdc == nil {
		cdc = checkpoint.DefaultCodec()
	}
	logger := opts.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &FileSaver{path: opts.Path, codec: cdc, logger: logger}, nil
}

// Thread IDs may contain path separators, so directory names are escaped.
func (s *FileSaver) threadDir(threadID string) string {
	return filepath.Join(s.path, url.PathEscape(threadID))
}

func (s *FileSaver) checkpointFile(threadID, checkpointID string) string {
	return filepath.Join(s.threadDir(threadID), checkpointID+fileExt)
}

// Put encodes and writes a new checkpoint file. An existing file for the
// same (thread, checkpoint) pair is rejected so stored history stays
// immutable.
func (s *FileSaver) Put(ctx context.Context, threadID, parentID string, cp *checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Ref, error) {
	if err := checkpoint.ValidatePut(threadID, cp); err != nil {
		return checkpoint.Ref{}, err
	}

	state, err := s.codec.Encode(cp)
	if err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	metadata, err := s.codec.Encode(md)
	if err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	data, err := json.Marshal(envelope{Parent: parentID, State: state, Metadata: metadata})
	if err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to marshal checkpoint envelope: %w", err)
	}

	if err := os.MkdirAll(s.threadDir(threadID), 0755); err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to create thread directory: %w", err)
	}

	f, err := os.OpenFile(s.checkpointFile(threadID, cp.ID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return checkpoint.Ref{}, fmt.Errorf("checkpoint %s already exists for thread %s", cp.ID, threadID)
		}
		return checkpoint.Ref{}, fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return checkpoint.Ref{}, fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := f.Close(); err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	s.logger.Debug("stored checkpoint %s for thread %s", cp.ID, threadID)
	return checkpoint.Ref{ThreadID: threadID, CheckpointID: cp.ID}, nil
}

// GetLatest resolves ref to a stored checkpoint; an empty CheckpointID means
// newest-by-sort for the thread. Missing files yield (nil, nil).
func (s *FileSaver) GetLatest(ctx context.Context, ref checkpoint.Ref) (*checkpoint.Record, error) {
	if err := checkpoint.ValidateGet(ref); err != nil {
		return nil, err
	}

	checkpointID := ref.CheckpointID
	if checkpointID == "" {
		ids, err := s.threadCheckpointIDs(ref.ThreadID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[len(ids)-1]
	}

	return s.loadRecord(ref.ThreadID, checkpointID)
}

// List yields matching checkpoints newest first. Directory listings are read
// up front; files are read and decoded lazily as the sequence is consumed.
func (s *FileSaver) List(ctx context.Context, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Record, error] {
	return func(yield func(*checkpoint.Record, error) bool) {
		threadIDs := []string{opts.ThreadID}
		if opts.ThreadID == "" {
			var err error
			threadIDs, err = s.threadIDs()
			if err != nil {
				yield(nil, err)
				return
			}
		}

		type candidate struct {
			threadID     string
			checkpointID string
		}
		var candidates []candidate
		for _, threadID := range threadIDs {
			ids, err := s.threadCheckpointIDs(threadID)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, id := range ids {
				if opts.Before != nil && opts.Before.CheckpointID != "" && id >= opts.Before.CheckpointID {
					continue
				}
				candidates = append(candidates, candidate{threadID: threadID, checkpointID: id})
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].checkpointID > candidates[j].checkpointID
		})

		filter, err := s.encodeFilter(opts.Filter)
		if err != nil {
			yield(nil, err)
			return
		}

		var yielded int64
		for _, c := range candidates {
			if opts.Limit > 0 && yielded >= opts.Limit {
				return
			}
			rec, err := s.loadRecord(c.threadID, c.checkpointID)
			if err != nil {
				yield(nil, err)
				return
			}
			if rec == nil {
				continue
			}
			match, err := s.matches(rec.Metadata, filter)
			if err != nil {
				yield(nil, err)
				return
			}
			if !match {
				continue
			}
			if !yield(rec, nil) {
				return
			}
			yielded++
		}
	}
}

// DeleteThread removes the thread's directory and every checkpoint in it.
func (s *FileSaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return checkpoint.ErrEmptyThreadID
	}
	if err := os.RemoveAll(s.threadDir(threadID)); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	s.logger.Debug("deleted checkpoints for thread %s", threadID)
	return nil
}

func (s *FileSaver) threadIDs() ([]string, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// threadCheckpointIDs returns the thread's checkpoint IDs sorted ascending.
func (s *FileSaver) threadCheckpointIDs(threadID string) ([]string, error) {
	entries, err := os.ReadDir(s.threadDir(threadID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints for thread %s: %w", threadID, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileSaver) loadRecord(threadID, checkpointID string) (*checkpoint.Record, error) {
	data, err := os.ReadFile(s.checkpointFile(threadID, checkpointID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint envelope: %w", err)
	}

	cp, err := checkpoint.DecodeCheckpoint(s.codec, env.State)
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadata(s.codec, env.Metadata)
	if err != nil {
		return nil, err
	}

	rec := &checkpoint.Record{
		Ref:        checkpoint.Ref{ThreadID: threadID, CheckpointID: checkpointID},
		Checkpoint: cp,
		Metadata:   md,
	}
	if env.Parent != "" {
		rec.Parent = &checkpoint.Ref{ThreadID: threadID, CheckpointID: env.Parent}
	}
	return rec, nil
}

func (s *FileSaver) encodeFilter(filter map[string]any) (map[string]string, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	encoded := make(map[string]string, len(filter))
	for k, v := range filter {
		data, err := s.codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata filter %q: %w", k, err)
		}
		encoded[k] = string(data)
	}
	return encoded, nil
}

func (s *FileSaver) matches(md checkpoint.Metadata, filter map[string]string) (bool, error) {
	for k, want := range filter {
		v, ok := md[k]
		if !ok {
			return false, nil
		}
		got, err := s.codec.Encode(v)
		if err != nil {
			return false, fmt.Errorf("failed to encode metadata value %q: %w", k, err)
		}
		if string(got) != want {
			return false, nil
		}
	}
	return true, nil
}
