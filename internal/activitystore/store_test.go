package activitystore

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInsertAllocatesSeqAndInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	projectID := uuid.New()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO activity_seq_counters")).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(7)))

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO activity")).
		WithArgs(int64(7), sqlmock.AnyArg(), projectID, "task.created", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	event, err := store.Insert(context.Background(), tx, projectID, "task.created", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), event.Seq)
	assert.Equal(t, projectID, event.ProjectID)
	assert.Equal(t, "task.created", event.EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreInsertReturnsNoPartitionError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	projectID := uuid.New()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO activity_seq_counters")).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(int64(1)))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO activity")).
		WithArgs(int64(1), sqlmock.AnyArg(), projectID, "task.created", sqlmock.AnyArg()).
		WillReturnError(errNoPartitionRow)

	_, err = store.Insert(context.Background(), tx, projectID, "task.created", nil)
	assert.ErrorIs(t, err, ErrNoPartitionForRow)
}

// errNoPartitionRow mimics the message-shaped Postgres error isNoPartitionError
// matches on, without importing lib/pq's error type directly.
var errNoPartitionRow = &pgLikeError{msg: "pq: no partition of relation \"activity\" found for row"}

type pgLikeError struct{ msg string }

func (e *pgLikeError) Error() string { return e.msg }

func TestStoreFetchSinceOrdersBySeq(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	projectID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"seq", "event_id", "project_id", "event_type", "created_at", "payload"}).
		AddRow(int64(3), uuid.New(), projectID, "task.created", now, nil).
		AddRow(int64(4), uuid.New(), projectID, "task.updated", now, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, event_id, project_id, event_type, created_at, payload")).
		WithArgs(projectID, int64(2), 100).
		WillReturnRows(rows)

	after := int64(2)
	events, err := store.FetchSince(context.Background(), projectID, &after, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreFetchSinceDefaultsAfterToZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	projectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, event_id, project_id, event_type, created_at, payload")).
		WithArgs(projectID, int64(0), 50).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "event_id", "project_id", "event_type", "created_at", "payload"}))

	events, err := store.FetchSince(context.Background(), projectID, nil, 50)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStoreLatestSeqReturnsZeroWhenNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	projectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM activity")).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	seq, err := store.LatestSeq(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestStoreLatestSeqReturnsValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)
	projectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM activity")).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(42)))

	seq, err := store.LatestSeq(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}
