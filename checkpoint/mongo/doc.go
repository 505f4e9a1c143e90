// Package mongo implements checkpoint.Saver on MongoDB.
//
// The layout is one collection for all threads: each checkpoint is a single
// immutable document keyed by (thread_id, checkpoint_id), with the parent id
// recorded for lineage walks and metadata stored per key in the codec's
// encoding so equality filters evaluate inside the database.
//
//	saver, err := mongo.NewMongoSaver(ctx, mongo.MongoOptions{
//		URI: "mongodb://localhost:27017",
//	})
//	if err != nil {
//		return err
//	}
//	defer saver.Close(ctx)
//	if err := saver.EnsureIndexes(ctx); err != nil {
//		return err
//	}
package mongo
