package clientsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"vibekanban-remote/internal/models"
)

// httpTimeout is the 30 s bound spec.md §5 puts on every external HTTP call
// from the Client Sync Engine.
const httpTimeout = 30 * time.Second

// remoteClient is the agent's HTTP collaborator for the bulk-sync and
// activity-catch-up endpoints (spec.md §4.7 steps 3/4). The websocket leg is
// dialed directly by watcher.connect.
type remoteClient struct {
	baseURL string
	token   func() string
	http    *http.Client
}

func newRemoteClient(baseURL string, token func() string) *remoteClient {
	return &remoteClient{baseURL: baseURL, token: token, http: &http.Client{Timeout: httpTimeout}}
}

func (c *remoteClient) bulkSnapshot(ctx context.Context, projectID uuid.UUID) (models.BulkSnapshot, error) {
	var out models.BulkSnapshot
	err := c.getJSON(ctx, "/v1/tasks/bulk", url.Values{"project_id": {projectID.String()}}, &out)
	return out, err
}

func (c *remoteClient) activity(ctx context.Context, projectID uuid.UUID, after int64, limit int) ([]models.ActivityEvent, error) {
	var out struct {
		Data []models.ActivityEvent `json:"data"`
	}
	err := c.getJSON(ctx, "/v1/activity", url.Values{
		"project_id": {projectID.String()},
		"after":      {strconv.FormatInt(after, 10)},
		"limit":      {strconv.Itoa(limit)},
	}, &out)
	return out.Data, err
}

func (c *remoteClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("clientsync: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clientsync: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clientsync: %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
