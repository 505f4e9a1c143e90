// Package sqlite implements checkpoint.Saver on SQLite. The document layout
// maps to a composite primary key (thread_id, checkpoint_id) with a
// descending index for latest/history queries; metadata equality filters run
// through json_extract against the stored JSON.
package sqlite
