// Package postgres implements checkpoint.Saver on PostgreSQL via pgx. Rows
// carry a composite primary key (thread_id, checkpoint_id) with a descending
// index for latest/history queries. Metadata lives in a JSONB column so
// equality filters are pushed down with the @> containment operator.
//
// The DBPool interface decouples the saver from *pgxpool.Pool so tests can
// substitute pgxmock.
package postgres
