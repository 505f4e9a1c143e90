package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/codec"
	"github.com/smallnest/checkpointgo/log"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresSaver implements checkpoint.Saver using PostgreSQL. Metadata is
// stored as JSONB so equality filters run in the database via containment.
type PostgresSaver struct {
	pool      DBPool
	tableName string
	codec     codec.Codec
	logger    log.Logger
}

var _ checkpoint.Saver = (*PostgresSaver)(nil)

// PostgresOptions configuration for Postgres connection.
type PostgresOptions struct {
	ConnString string
	TableName  string      // Default "checkpoints"
	Codec      codec.Codec // Default checkpoint.DefaultCodec()
	Logger     log.Logger  // Default no-op
}

// NewPostgresSaver creates a saver backed by a new connection pool.
func NewPostgresSaver(ctx context.Context, opts PostgresOptions) (*PostgresSaver, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return newSaver(pool, opts), nil
}

// NewPostgresSaverWithPool creates a saver with an existing pool.
// Useful for testing with mocks.
func NewPostgresSaverWithPool(pool DBPool, opts PostgresOptions) *PostgresSaver {
	return newSaver(pool, opts)
}

func newSaver(pool DBPool, opts PostgresOptions) *PostgresSaver {
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
	return &PostgresSaver{
		pool:      pool,
		tableName: tableName,
		codec:     cdc,
		logger:    logger,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
func (s *PostgresSaver) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state BYTEA NOT NULL,
			metadata JSONB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_order ON %s (thread_id, checkpoint_id DESC);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresSaver) Close() {
	s.pool.Close()
}

// Put encodes and inserts a new checkpoint row.
func (s *PostgresSaver) Put(ctx context.Context, threadID, parentID string, cp *checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Ref, error) {
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
		VALUES ($1, $2, $3, $4, $5)
	`, s.tableName)
	if _, err := s.pool.Exec(ctx, query, threadID, cp.ID, parent, state, metadata); err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	s.logger.Debug("stored checkpoint %s for thread %s", cp.ID, threadID)
	return checkpoint.Ref{ThreadID: threadID, CheckpointID: cp.ID}, nil
}

// GetLatest resolves ref to a stored checkpoint; an empty CheckpointID means
// newest-by-sort for the thread. Missing rows yield (nil, nil).
func (s *PostgresSaver) GetLatest(ctx context.Context, ref checkpoint.Ref) (*checkpoint.Record, error) {
	if err := checkpoint.ValidateGet(ref); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, metadata
		FROM %s
		WHERE thread_id = $1
	`, s.tableName)
	args := []any{ref.ThreadID}
	if ref.CheckpointID != "" {
		query += " AND checkpoint_id = $2"
		args = append(args, ref.CheckpointID)
	}
	query += " ORDER BY checkpoint_id DESC LIMIT 1"

	rec, err := s.scanRecord(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List yields matching checkpoints newest first, decoding each row as it is
// consumed.
func (s *PostgresSaver) List(ctx context.Context, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Record, error] {
	return func(yield func(*checkpoint.Record, error) bool) {
		var conds []string
		var args []any
		arg := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		if opts.ThreadID != "" {
			conds = append(conds, "thread_id = "+arg(opts.ThreadID))
		}
		if opts.Before != nil && opts.Before.CheckpointID != "" {
			conds = append(conds, "checkpoint_id < "+arg(opts.Before.CheckpointID))
		}
		if len(opts.Filter) > 0 {
			filter, err := s.codec.Encode(opts.Filter)
			if err != nil {
				yield(nil, fmt.Errorf("failed to encode metadata filter: %w", err))
				return
			}
			conds = append(conds, "metadata @> "+arg(filter)+"::jsonb")
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
			query += " LIMIT " + arg(opts.Limit)
		}

		rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresSaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return checkpoint.ErrEmptyThreadID
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.tableName)
	if _, err := s.pool.Exec(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	s.logger.Debug("deleted checkpoints for thread %s", threadID)
	return nil
}

func (s *PostgresSaver) scanRecord(row pgx.Row) (*checkpoint.Record, error) {
	var (
		threadID     string
		checkpointID string
		parentID     *string
		state        []byte
		metadata     []byte
	)
	if err := row.Scan(&threadID, &checkpointID, &parentID, &state, &metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	if parentID != nil && *parentID != "" {
		rec.Parent = &checkpoint.Ref{ThreadID: threadID, CheckpointID: *parentID}
	}
	return rec, nil
}
