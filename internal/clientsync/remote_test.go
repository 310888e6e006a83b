package clientsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibekanban-remote/internal/models"
)

func TestRemoteClientBulkSnapshotSendsBearerAndDecodes(t *testing.T) {
	projectID := uuid.New()
	taskID := uuid.New()

	var gotAuth, gotProjectID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotProjectID = r.URL.Query().Get("project_id")
		assert.Equal(t, "/v1/tasks/bulk", r.URL.Path)

		snapshot := models.BulkSnapshot{
			Tasks:     []models.SharedTask{{ID: taskID, ProjectID: projectID, Title: "t", Status: models.StatusTodo, Version: 1}},
			LatestSeq: 5,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(snapshot))
	}))
	defer server.Close()

	client := newRemoteClient(server.URL, func() string { return "tok-123" })
	snapshot, err := client.bulkSnapshot(context.Background(), projectID)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, projectID.String(), gotProjectID)
	assert.Equal(t, int64(5), snapshot.LatestSeq)
	require.Len(t, snapshot.Tasks, 1)
	assert.Equal(t, taskID, snapshot.Tasks[0].ID)
}

func TestRemoteClientActivityPassesAfterAndLimit(t *testing.T) {
	projectID := uuid.New()

	var gotAfter, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAfter = r.URL.Query().Get("after")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"data": []models.ActivityEvent{
				{Seq: 11, ProjectID: projectID, EventType: models.EventTaskUpdated},
			},
		}))
	}))
	defer server.Close()

	client := newRemoteClient(server.URL, func() string { return "tok" })
	events, err := client.activity(context.Background(), projectID, 10, 50)
	require.NoError(t, err)

	assert.Equal(t, "10", gotAfter)
	assert.Equal(t, "50", gotLimit)
	require.Len(t, events, 1)
	assert.Equal(t, int64(11), events[0].Seq)
}

func TestRemoteClientReturnsErrorOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newRemoteClient(server.URL, func() string { return "tok" })
	_, err := client.bulkSnapshot(context.Background(), uuid.New())
	assert.Error(t, err)
}
