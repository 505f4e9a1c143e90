package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/codec"
	"github.com/smallnest/checkpointgo/log"
)

// SqliteSaver implements checkpoint.Saver using SQLite. The document layout
// becomes a composite primary key (thread_id, checkpoint_id) with a
// descending index, and metadata filters run through json_extract against
// the stored JSON.
type SqliteSaver struct {
	db        *sql.DB
	tableName string
	codec     codec.Codec
	logger    log.Logger
}

var _ checkpoint.Saver = (*SqliteSaver)(nil)

// SqliteOptions configuration for SQLite connection.
type SqliteOptions struct {
	Path      string
	TableName string      // Default "checkpoints"
	Codec     codec.Codec // Default checkpoint.DefaultCodec()
	Logger    log.Logger  // Default no-op
}

// NewSqliteSaver opens the database and creates the schema.
func NewSqliteSaver(opts SqliteOptions) (*SqliteSaver, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}
	cdc := opts.Codec
	if cdc == nil {
		cdc = checkpoint.DefaultCodec()
	}
	logger := opts.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}

	s := &SqliteSaver{
		db:        db,
		tableName: tableName,
		codec:     cdc,
		logger:    logger,
	}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the necessary table if it doesn't exist.
func (s *SqliteSaver) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state BLOB NOT NULL,
			metadata TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_order ON %s (thread_id, checkpoint_id DESC);
	`, s.tableName, s.tableName, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SqliteSaver) Close() error {
	return s.db.Close()
}

// Put encodes and inserts a new checkpoint row. Inserts only: replaying an
// existing (thread, checkpoint) pair fails on the primary key.
func (s *SqliteSaver) Put(ctx context.Context, threadID, parentID string, cp *checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Ref, error) {
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

	var parent any
	if parentID != "" {
		parent = parentID
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, parent_checkpoint_id, state, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, threadID, cp.ID, parent, state, string(metadata)); err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	s.logger.Debug("stored checkpoint %s for thread %s", cp.ID, threadID)
	return checkpoint.Ref{ThreadID: threadID, CheckpointID: cp.ID}, nil
}

// GetLatest resolves ref to a stored checkpoint; an empty CheckpointID means
// newest-by-sort for the thread. Missing rows yield (nil, nil).
func (s *SqliteSaver) GetLatest(ctx context.Context, ref checkpoint.Ref) (*checkpoint.Record, error) {
	if err := checkpoint.ValidateGet(ref); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, metadata
		FROM %s
		WHERE thread_id = ?
	`, s.tableName)
	args := []any{ref.ThreadID}
	if ref.CheckpointID != "" {
		query += " AND checkpoint_id = ?"
		args = append(args, ref.CheckpointID)
	}
	query += " ORDER BY checkpoint_id DESC LIMIT 1"

	rec, err := s.scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List yields matching checkpoints newest first, decoding each row as it is
// consumed.
func (s *SqliteSaver) List(ctx context.Context, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Record, error] {
	return func(yield func(*checkpoint.Record, error) bool) {
		var conds []string
		var args []any
		if opts.ThreadID != "" {
			conds = append(conds, "thread_id = ?")
			args = append(args, opts.ThreadID)
		}
		if opts.Before != nil && opts.Before.CheckpointID != "" {
			conds = append(conds, "checkpoint_id < ?")
			args = append(args, opts.Before.CheckpointID)
		}
		for k, v := range opts.Filter {
			// Compare against the stored (codec-encoded) representation so
			// tagged values like times and byte strings filter correctly,
			// not just JSON scalars.
			payload, err := s.codec.Encode(v)
			if err != nil {
				yield(nil, fmt.Errorf("failed to encode metadata filter %q: %w", k, err))
				return
			}
			conds = append(conds, "json_extract(metadata, ?) = json_extract(?, '$')")
			args = append(args, "$."+k, string(payload))
		}

		query := fmt.Sprintf(`
			SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, metadata
			FROM %s
		`, s.tableName)
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		query += " ORDER BY checkpoint_id DESC"
		if opts.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, opts.Limit)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to list checkpoints: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := s.scanRecord(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to iterate checkpoints: %w", err))
		}
	}
}

// DeleteThread removes every checkpoint of a thread.
func (s *SqliteSaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return checkpoint.ErrEmptyThreadID
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	s.logger.Debug("deleted checkpoints for thread %s", threadID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SqliteSaver) scanRecord(row rowScanner) (*checkpoint.Record, error) {
	var (
		threadID     string
		checkpointID string
		parentID     sql.NullString
		state        []byte
		metadata     []byte
	)
	if err := row.Scan(&threadID, &checkpointID, &parentID, &state, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
	}

	cp, err := checkpoint.DecodeCheckpoint(s.codec, state)
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadata(s.codec, metadata)
	if err != nil {
		return nil, err
	}

	rec := &checkpoint.Record{
		Ref:        checkpoint.Ref{ThreadID: threadID, CheckpointID: checkpointID},
		Checkpoint: cp,
		Metadata:   md,
	}
	if parentID.Valid && parentID.String != "" {
		rec.Parent = &checkpoint.Ref{ThreadID: threadID, CheckpointID: parentID.String}
	}
	return rec, nil
}
