package redis

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/codec"
	"github.com/smallnest/checkpointgo/log"
)

// RedisSaver implements checkpoint.Saver using Redis. Each checkpoint lives
// in a hash; a per-thread sorted set (score 0, lexicographic members) keeps
// checkpoint IDs ordered so latest/history queries stay index lookups.
type RedisSaver struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	codec  codec.Codec
	logger log.Logger
	owned  bool
}

var _ checkpoint.Saver = (*RedisSaver)(nil)

// RedisOptions configuration for Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "checkpointgo:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
	Codec    codec.Codec   // Default checkpoint.DefaultCodec()
	Logger   log.Logger    // Default no-op
}

// NewRedisSaver creates a saver backed by a new Redis client.
func NewRedisSaver(opts RedisOptions) *RedisSaver {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := newSaver(client, opts)
	s.owned = true
	return s
}

// NewRedisSaverWithClient creates a saver with an existing client.
// Useful for testing with miniredis or sharing a connection pool.
func NewRedisSaverWithClient(client *redis.Client, opts RedisOptions) *RedisSaver {
	return newSaver(client, opts)
}

func newSaver(client *redis.Client, opts RedisOptions) *RedisSaver {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "checkpointgo:"
	}
	cdc := opts.Codec
	if cdc == nil {
		cdc = checkpoint.DefaultCodec()
	}
	logger := opts.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &RedisSaver{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		codec:  cdc,
		logger: logger,
	}
}

func (s *RedisSaver) checkpointKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", s.prefix, threadID, checkpointID)
}

func (s *RedisSaver) threadKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:checkpoints", s.prefix, threadID)
}

func (s *RedisSaver) threadsKey() string {
	return s.prefix + "threads"
}

// putScript writes the index member, the checkpoint hash, and the thread-set
// entry in one atomic step: a failed write leaves nothing behind, so a caller
// retry of the same checkpoint is not rejected as a duplicate. Returns 0 when
// the (thread, checkpoint) pair already exists.
var putScript = redis.NewScript(`
if redis.call('ZADD', KEYS[1], 'NX', 0, ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], 'parent', ARGV[2], 'state', ARGV[3], 'metadata', ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
local ttl = tonumber(ARGV[6])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// Put encodes and stores a new checkpoint. Existing (thread, checkpoint)
// pairs are rejected so stored history stays immutable.
func (s *RedisSaver) Put(ctx context.Context, threadID, parentID string, cp *checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Ref, error) {
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

	keys := []string{s.threadKey(threadID), s.checkpointKey(threadID, cp.ID), s.threadsKey()}
	added, err := putScript.Run(ctx, s.client, keys,
		cp.ID, parentID, state, metadata, threadID, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	if added == 0 {
		return checkpoint.Ref{}, fmt.Errorf("checkpoint %s already exists for thread %s", cp.ID, threadID)
	}

	s.logger.Debug("stored checkpoint %s for thread %s", cp.ID, threadID)
	return checkpoint.Ref{ThreadID: threadID, CheckpointID: cp.ID}, nil
}

// GetLatest resolves ref to a stored checkpoint; an empty CheckpointID means
// newest-by-sort for the thread. Missing checkpoints yield (nil, nil).
func (s *RedisSaver) GetLatest(ctx context.Context, ref checkpoint.Ref) (*checkpoint.Record, error) {
	if err := checkpoint.ValidateGet(ref); err != nil {
		return nil, err
	}

	checkpointID := ref.CheckpointID
	if checkpointID == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.threadKey(ref.ThreadID), &redis.ZRangeBy{
			Min:   "-",
			Max:   "+",
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest checkpoint: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[0]
	}

	return s.loadRecord(ctx, ref.ThreadID, checkpointID)
}

// List yields matching checkpoints newest first. The per-thread indexes are
// consulted up front; hashes are fetched and decoded lazily as the sequence
// is consumed. Metadata filters compare codec-encoded values client side.
func (s *RedisSaver) List(ctx context.Context, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Record, error] {
	return func(yield func(*checkpoint.Record, error) bool) {
		threadIDs := []string{opts.ThreadID}
		if opts.ThreadID == "" {
			var err error
			threadIDs, err = s.client.SMembers(ctx, s.threadsKey()).Result()
			if err != nil {
				yield(nil, fmt.Errorf("failed to list threads: %w", err))
				return
			}
		}

		max := "+"
		if opts.Before != nil && opts.Before.CheckpointID != "" {
			max = "(" + opts.Before.CheckpointID
		}

		type candidate struct {
			threadID     string
			checkpointID string
		}
		var candidates []candidate
		for _, threadID := range threadIDs {
			ids, err := s.client.ZRevRangeByLex(ctx, s.threadKey(threadID), &redis.ZRangeBy{
				Min: "-",
				Max: max,
			}).Result()
			if err != nil {
				yield(nil, fmt.Errorf("failed to list checkpoints for thread %s: %w", threadID, err))
				return
			}
			for _, id := range ids {
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
			rec, err := s.loadRecord(ctx, c.threadID, c.checkpointID)
			if err != nil {
				yield(nil, err)
				return
			}
			if rec == nil {
				// Hash expired after the index scan.
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

// DeleteThread removes every checkpoint of a thread along with its index.
func (s *RedisSaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return checkpoint.ErrEmptyThreadID
	}

	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints for deletion: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.checkpointKey(threadID, id))
	}
	pipe.Del(ctx, s.threadKey(threadID))
	pipe.SRem(ctx, s.threadsKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}

	s.logger.Debug("deleted %d checkpoints for thread %s", len(ids), threadID)
	return nil
}

// Close closes the Redis client if this saver created it.
func (s *RedisSaver) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *RedisSaver) loadRecord(ctx context.Context, threadID, checkpointID string) (*checkpoint.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.checkpointKey(threadID, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	cp, err := checkpoint.DecodeCheckpoint(s.codec, []byte(fields["state"]))
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadata(s.codec, []byte(fields["metadata"]))
	if err != nil {
		return nil, err
	}

	rec := &checkpoint.Record{
		Ref:        checkpoint.Ref{ThreadID: threadID, CheckpointID: checkpointID},
		Checkpoint: cp,
		Metadata:   md,
	}
	if parent := fields["parent"]; parent != "" {
		rec.Parent = &checkpoint.Ref{ThreadID: threadID, CheckpointID: parent}
	}
	return rec, nil
}

func (s *RedisSaver) encodeFilter(filter map[string]any) (map[string][]byte, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	encoded := make(map[string][]byte, len(filter))
	for k, v := range filter {
		data, err := s.codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata filter %q: %w", k, err)
		}
		encoded[k] = data
	}
	return encoded, nil
}

func (s *RedisSaver) matches(md checkpoint.Metadata, filter map[string][]byte) (bool, error) {
	for k, want := range filter {
		v, ok := md[k]
		if !ok {
			return false, nil
		}
		got, err := s.codec.Encode(v)
		if err != nil {
			return false, fmt.Errorf("failed to encode metadata value %q: %w", k, err)
		}
		if !bytes.Equal(got, want) {
			return false, nil
		}
	}
	return true, nil
}
