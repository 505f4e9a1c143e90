package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/codec"
	"github.com/smallnest/checkpointgo/log"
)

// MongoSaver implements checkpoint.Saver on a MongoDB collection: one
// collection for all threads, each checkpoint an immutable document with
// per-key encoded metadata so history can be filtered store-side.
type MongoSaver struct {
	client *mongo.Client
	coll   *mongo.Collection
	codec  codec.Codec
	logger log.Logger
	owned  bool
}

var _ checkpoint.Saver = (*MongoSaver)(nil)

// MongoOptions configures the MongoDB connection and collection.
type MongoOptions struct {
	URI        string
	Database   string      // Default "checkpointgo"
	Collection string      // Default "checkpoints"
	Codec      codec.Codec // Default checkpoint.DefaultCodec()
	Logger     log.Logger  // Default no-op
}

// checkpointDoc is the persisted document layout. Metadata is stored per key,
// each value in the codec's encoding, so equality filters can run against the
// stored representation without decoding candidates client-side.
type checkpointDoc struct {
	ThreadID     string            `bson:"thread_id"`
	CheckpointID string            `bson:"checkpoint_id"`
	ParentID     string            `bson:"parent_checkpoint_id,omitempty"`
	State        []byte            `bson:"state"`
	Metadata     map[string][]byte `bson:"metadata"`
}

// NewMongoSaver connects to MongoDB and returns a saver owning the client.
func NewMongoSaver(ctx context.Context, opts MongoOptions) (*MongoSaver, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	s := NewMongoSaverWithClient(client, opts)
	s.owned = true
	return s, nil
}

// NewMongoSaverWithClient wraps an existing client. The caller keeps
// responsibility for disconnecting it.
func NewMongoSaverWithClient(client *mongo.Client, opts MongoOptions) *MongoSaver {
	database := opts.Database
	if database == "" {
		database = "checkpointgo"
	}
	collection := opts.Collection
	if collection == "" {
		collection = "checkpoints"
	}
	cdc := opts.Codec
	if cdc == nil {
		cdc = checkpoint.DefaultCodec()
	}
	logger := opts.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &MongoSaver{
		client: client,
		coll:   client.Database(database).Collection(collection),
		codec:  cdc,
		logger: logger,
	}
}

// EnsureIndexes creates the unique compound index that keys the collection
// by (thread_id, checkpoint_id) and serves descending-order queries.
func (s *MongoSaver) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "checkpoint_id", Value: -1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client if the saver owns it.
func (s *MongoSaver) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Put encodes and inserts a new checkpoint document.
func (s *MongoSaver) Put(ctx context.Context, threadID, parentID string, cp *checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Ref, error) {
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

	doc := checkpointDoc{
		ThreadID:     threadID,
		CheckpointID: cp.ID,
		ParentID:     parentID,
		State:        state,
		Metadata:     mdDoc,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return checkpoint.Ref{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	s.logger.Debug("stored checkpoint %s for thread %s", cp.ID, threadID)
	return checkpoint.Ref{ThreadID: threadID, CheckpointID: cp.ID}, nil
}

// GetLatest resolves ref to a stored checkpoint; an empty CheckpointID means
// newest-by-sort for the thread. Missing documents yield (nil, nil).
func (s *MongoSaver) GetLatest(ctx context.Context, ref checkpoint.Ref) (*checkpoint.Record, error) {
	if err := checkpoint.ValidateGet(ref); err != nil {
		return nil, err
	}

	filter := bson.M{"thread_id": ref.ThreadID}
	if ref.CheckpointID != "" {
		filter["checkpoint_id"] = ref.CheckpointID
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})

	var doc checkpointDoc
	err := s.coll.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return s.recordFromDoc(&doc)
}

// List yields matching checkpoints newest first, decoding each document as
// the cursor advances.
func (s *MongoSaver) List(ctx context.Context, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Record, error] {
	return func(yield func(*checkpoint.Record, error) bool) {
		filter := bson.M{}
		if opts.ThreadID != "" {
			filter["thread_id"] = opts.ThreadID
		}
		if opts.Before != nil && opts.Before.CheckpointID != "" {
			filter["checkpoint_id"] = bson.M{"$lt": opts.Before.CheckpointID}
		}
		for k, v := range opts.Filter {
			payload, err := s.codec.Encode(v)
			if err != nil {
				yield(nil, fmt.Errorf("failed to encode filter field %q: %w", k, err))
				return
			}
			filter["metadata."+k] = payload
		}

		findOpts := options.Find().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})
		if opts.Limit > 0 {
			findOpts.SetLimit(opts.Limit)
		}

		cur, err := s.coll.Find(ctx, filter, findOpts)
		if err != nil {
			yield(nil, fmt.Errorf("failed to list checkpoints: %w", err))
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var doc checkpointDoc
			if err := cur.Decode(&doc); err != nil {
				yield(nil, fmt.Errorf("failed to decode checkpoint document: %w", err))
				return
			}
			rec, err := s.recordFromDoc(&doc)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to iterate checkpoints: %w", err))
		}
	}
}

// DeleteThread removes every checkpoint of a thread.
func (s *MongoSaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return checkpoint.ErrEmptyThreadID
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{"thread_id": threadID}); err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	s.logger.Debug("deleted checkpoints for thread %s", threadID)
	return nil
}

func (s *MongoSaver) recordFromDoc(doc *checkpointDoc) (*checkpoint.Record, error) {
	cp, err := checkpoint.DecodeCheckpoint(s.codec, doc.State)
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadataValues(s.codec, doc.Metadata)
	if err != nil {
		return nil, err
	}

	rec := &checkpoint.Record{
		Ref:        checkpoint.Ref{ThreadID: doc.ThreadID, CheckpointID: doc.CheckpointID},
		Checkpoint: cp,
		Metadata:   md,
	}
	if doc.ParentID != "" {
		rec.Parent = &checkpoint.Ref{ThreadID: doc.ThreadID, CheckpointID: doc.ParentID}
	}
	return rec, nil
}
