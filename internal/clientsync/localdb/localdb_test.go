package localdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadCursorMissingReturnsNilSeq(t *testing.T) {
	db := openTestDB(t)

	cursor, err := db.LoadCursor(uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, cursor.Seq)
}

func TestSetCursorThenLoad(t *testing.T) {
	db := openTestDB(t)
	projectID := uuid.New().String()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, SetCursor(tx, projectID, 9, time.Now()))
	require.NoError(t, tx.Commit())

	cursor, err := db.LoadCursor(projectID)
	require.NoError(t, err)
	require.NotNil(t, cursor.Seq)
	assert.Equal(t, int64(9), *cursor.Seq)
}

func TestSetCursorUpsertsOnConflict(t *testing.T) {
	db := openTestDB(t)
	projectID := uuid.New().String()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, SetCursor(tx, projectID, 1, time.Now()))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, SetCursor(tx, projectID, 2, time.Now()))
	require.NoError(t, tx.Commit())

	cursor, err := db.LoadCursor(projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *cursor.Seq)
}

func TestUpsertTaskRejectsStaleVersion(t *testing.T) {
	db := openTestDB(t)
	taskID := uuid.New()
	projectID := uuid.New()
	now := time.Now()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertTask(tx, MirrorTask{ID: taskID, ProjectID: projectID, Title: "v2", Status: "todo", Version: 2, UpdatedAt: now}))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertTask(tx, MirrorTask{ID: taskID, ProjectID: projectID, Title: "v1-stale", Status: "todo", Version: 1, UpdatedAt: now}))
	require.NoError(t, tx.Commit())

	var title string
	require.NoError(t, db.conn.QueryRow(`SELECT title FROM shared_tasks_mirror WHERE id = ?`, taskID.String()).Scan(&title))
	assert.Equal(t, "v2", title, "a lower version must not overwrite a newer mirrored row")
}

func TestDeleteTaskRemovesMirrorAndLocalTask(t *testing.T) {
	db := openTestDB(t)
	taskID := uuid.New()
	projectID := uuid.New()
	now := time.Now()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertTask(tx, MirrorTask{ID: taskID, ProjectID: projectID, Title: "t", Status: "todo", Version: 1, UpdatedAt: now}))
	require.NoError(t, UpsertLocalTask(tx, uuid.New(), taskID, "t", "todo", now))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, DeleteTask(tx, taskID))
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, db.conn.QueryRow(`SELECT COUNT(*) FROM shared_tasks_mirror WHERE id = ?`, taskID.String()).Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, db.conn.QueryRow(`SELECT COUNT(*) FROM local_tasks WHERE shared_task_id = ?`, taskID.String()).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestReplaceProjectTasksPrunesStaleRows(t *testing.T) {
	db := openTestDB(t)
	projectID := uuid.New()
	now := time.Now()

	keep := uuid.New()
	stale := uuid.New()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertTask(tx, MirrorTask{ID: keep, ProjectID: projectID, Title: "keep", Status: "todo", Version: 1, UpdatedAt: now}))
	require.NoError(t, UpsertTask(tx, MirrorTask{ID: stale, ProjectID: projectID, Title: "stale", Status: "todo", Version: 1, UpdatedAt: now}))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, ReplaceProjectTasks(tx, projectID, []MirrorTask{
		{ID: keep, ProjectID: projectID, Title: "keep-v2", Status: "todo", Version: 2, UpdatedAt: now},
	}, nil))
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, db.conn.QueryRow(`SELECT COUNT(*) FROM shared_tasks_mirror WHERE id = ?`, stale.String()).Scan(&count))
	assert.Equal(t, 0, count, "stale task must be pruned")

	var title string
	require.NoError(t, db.conn.QueryRow(`SELECT title FROM shared_tasks_mirror WHERE id = ?`, keep.String()).Scan(&title))
	assert.Equal(t, "keep-v2", title)
}
