package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"

	"github.com/smallnest/checkpointgo/checkpoint"
)

func newMockSaver(t *testing.T) (pgxmock.PgxPoolIface, *PostgresSaver) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	saver := NewPostgresSaverWithPool(mock, PostgresOptions{})
	return mock, saver
}

func testCheckpoint(id string) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		ID:        id,
		NodeName:  "node-a",
		State:     map[string]any{"foo": "bar"},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPostgresSaver_Put(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	cp := testCheckpoint("cp-1")
	md := checkpoint.Metadata{"source": "loop", "step": 1}

	state, err := saver.codec.Encode(cp)
	assert.NoError(t, err)
	metadata, err := saver.codec.Encode(md)
	assert.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", cp.ID, nil, state, metadata).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ref, err := saver.Put(context.Background(), "thread-1", "", cp, md)
	assert.NoError(t, err)
	assert.Equal(t, checkpoint.Ref{ThreadID: "thread-1", CheckpointID: "cp-1"}, ref)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_Put_WithParent(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	cp := testCheckpoint("cp-2")
	state, _ := saver.codec.Encode(cp)
	metadata, _ := saver.codec.Encode(checkpoint.Metadata(nil))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", cp.ID, "cp-1", state, metadata).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := saver.Put(context.Background(), "thread-1", "cp-1", cp, nil)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_Put_Validation(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	cp := testCheckpoint("cp-1")

	_, err := saver.Put(context.Background(), "", "", cp, nil)
	assert.ErrorIs(t, err, checkpoint.ErrEmptyThreadID)

	_, err = saver.Put(context.Background(), "thread-1", "", &checkpoint.Checkpoint{}, nil)
	assert.ErrorIs(t, err, checkpoint.ErrEmptyCheckpointID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_Put_DatabaseError(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	cp := testCheckpoint("cp-1")
	dbError := errors.New("database connection failed")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WillReturnError(dbError)

	_, err := saver.Put(context.Background(), "thread-1", "", cp, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert checkpoint")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_GetLatest(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	cp := testCheckpoint("cp-2")
	state, _ := saver.codec.Encode(cp)
	metadata, _ := saver.codec.Encode(checkpoint.Metadata{"step": 2})
	parent := "cp-1"

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "state", "metadata"}).
		AddRow("thread-1", "cp-2", &parent, state, metadata)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, metadata")).
		WithArgs("thread-1").
		WillReturnRows(rows)

	rec, err := saver.GetLatest(context.Background(), checkpoint.Ref{ThreadID: "thread-1"})
	assert.NoError(t, err)
	assert.Equal(t, "cp-2", rec.Ref.CheckpointID)
	assert.Equal(t, "node-a", rec.Checkpoint.NodeName)
	assert.NotNil(t, rec.Parent)
	assert.Equal(t, "cp-1", rec.Parent.CheckpointID)

	loadedState, ok := rec.Checkpoint.State.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "bar", loadedState["foo"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_GetLatest_ByID(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	cp := testCheckpoint("cp-1")
	state, _ := saver.codec.Encode(cp)
	metadata, _ := saver.codec.Encode(checkpoint.Metadata(nil))

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "state", "metadata"}).
		AddRow("thread-1", "cp-1", (*string)(nil), state, metadata)

	mock.ExpectQuery(regexp.QuoteMeta("AND checkpoint_id = $2")).
		WithArgs("thread-1", "cp-1").
		WillReturnRows(rows)

	rec, err := saver.GetLatest(context.Background(), checkpoint.Ref{ThreadID: "thread-1", CheckpointID: "cp-1"})
	assert.NoError(t, err)
	assert.Equal(t, "cp-1", rec.Ref.CheckpointID)
	assert.Nil(t, rec.Parent)
	assert.Nil(t, rec.Metadata)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_GetLatest_NotFound(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id")).
		WithArgs("thread-1").
		WillReturnError(pgx.ErrNoRows)

	rec, err := saver.GetLatest(context.Background(), checkpoint.Ref{ThreadID: "thread-1"})
	assert.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_GetLatest_Validation(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	_, err := saver.GetLatest(context.Background(), checkpoint.Ref{})
	assert.ErrorIs(t, err, checkpoint.ErrEmptyThreadID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_GetLatest_InvalidState(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	metadata, _ := saver.codec.Encode(checkpoint.Metadata(nil))
	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "state", "metadata"}).
		AddRow("thread-1", "cp-1", (*string)(nil), []byte("{invalid"), metadata)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id")).
		WithArgs("thread-1").
		WillReturnRows(rows)

	rec, err := saver.GetLatest(context.Background(), checkpoint.Ref{ThreadID: "thread-1"})
	assert.Error(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_List(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "state", "metadata"})
	parent := ""
	for _, id := range []string{"cp-3", "cp-2", "cp-1"} {
		state, _ := saver.codec.Encode(testCheckpoint(id))
		metadata, _ := saver.codec.Encode(checkpoint.Metadata{"source": "loop"})
		var p *string
		if parent != "" {
			v := parent
			p = &v
		}
		rows.AddRow("thread-1", id, p, state, metadata)
		parent = id
	}

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY checkpoint_id DESC")).
		WithArgs("thread-1").
		WillReturnRows(rows)

	recs, err := checkpoint.Collect(saver.List(context.Background(), checkpoint.ListOptions{ThreadID: "thread-1"}))
	assert.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Equal(t, "cp-3", recs[0].Ref.CheckpointID)
	assert.Equal(t, "cp-1", recs[2].Ref.CheckpointID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_List_BeforeAndLimit(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	state, _ := saver.codec.Encode(testCheckpoint("cp-1"))
	metadata, _ := saver.codec.Encode(checkpoint.Metadata(nil))
	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "state", "metadata"}).
		AddRow("thread-1", "cp-1", (*string)(nil), state, metadata)

	mock.ExpectQuery(regexp.QuoteMeta("checkpoint_id < $2")).
		WithArgs("thread-1", "cp-2", int64(1)).
		WillReturnRows(rows)

	recs, err := checkpoint.Collect(saver.List(context.Background(), checkpoint.ListOptions{
		ThreadID: "thread-1",
		Before:   &checkpoint.Ref{ThreadID: "thread-1", CheckpointID: "cp-2"},
		Limit:    1,
	}))
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, "cp-1", recs[0].Ref.CheckpointID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_List_MetadataFilter(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	filter := map[string]any{"source": "loop"}
	filterJSON, err := saver.codec.Encode(filter)
	assert.NoError(t, err)

	state, _ := saver.codec.Encode(testCheckpoint("cp-1"))
	metadata, _ := saver.codec.Encode(checkpoint.Metadata{"source": "loop"})
	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "state", "metadata"}).
		AddRow("thread-1", "cp-1", (*string)(nil), state, metadata)

	mock.ExpectQuery(regexp.QuoteMeta("metadata @> $2::jsonb")).
		WithArgs("thread-1", filterJSON).
		WillReturnRows(rows)

	recs, err := checkpoint.Collect(saver.List(context.Background(), checkpoint.ListOptions{
		ThreadID: "thread-1",
		Filter:   filter,
	}))
	assert.NoError(t, err)
	assert.Len(t, recs, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_List_DatabaseError(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	dbError := errors.New("database connection failed")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id")).
		WillReturnError(dbError)

	recs, err := checkpoint.Collect(saver.List(context.Background(), checkpoint.ListOptions{ThreadID: "thread-1"}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list checkpoints")
	assert.Empty(t, recs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_List_StopsEarly(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "state", "metadata"})
	for _, id := range []string{"cp-3", "cp-2", "cp-1"} {
		state, _ := saver.codec.Encode(testCheckpoint(id))
		metadata, _ := saver.codec.Encode(checkpoint.Metadata(nil))
		rows.AddRow("thread-1", id, (*string)(nil), state, metadata)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id")).
		WithArgs("thread-1").
		WillReturnRows(rows)

	var seen []string
	for rec, err := range saver.List(context.Background(), checkpoint.ListOptions{ThreadID: "thread-1"}) {
		assert.NoError(t, err)
		seen = append(seen, rec.Ref.CheckpointID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"cp-3", "cp-2"}, seen)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_DeleteThread(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE thread_id = $1")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	err := saver.DeleteThread(context.Background(), "thread-1")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_DeleteThread_EmptyThreadID(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	err := saver.DeleteThread(context.Background(), "")
	assert.ErrorIs(t, err, checkpoint.ErrEmptyThreadID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_InitSchema(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err := saver.InitSchema(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_InitSchema_DatabaseError(t *testing.T) {
	mock, saver := newMockSaver(t)
	defer mock.Close()

	dbError := errors.New("database connection failed")
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnError(dbError)

	err := saver.InitSchema(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create schema")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaver_Close(t *testing.T) {
	mock, saver := newMockSaver(t)

	assert.NotPanics(t, func() {
		saver.Close()
	})
	_ = mock
}

func TestNewPostgresSaverWithPool_Defaults(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	saver := NewPostgresSaverWithPool(mock, PostgresOptions{})
	assert.Equal(t, "checkpoints", saver.tableName)
	assert.NotNil(t, saver.codec)
	assert.NotNil(t, saver.logger)
}
