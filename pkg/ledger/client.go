package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tracegrid/tracegrid/pkg/model"
)

// HTTPStatusClient queries a ledger REST API at GET {base}/batch_statuses?id=a,b.
// The response is {"data": [{"id": "...", "status": "COMMITTED"}]}.
type HTTPStatusClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStatusClient creates a client for the ledger API at baseURL. A nil
// httpClient uses one with a 30 second timeout.
func NewHTTPStatusClient(baseURL string, httpClient *http.Client) *HTTPStatusClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStatusClient{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

type batchStatusResponse struct {
	Data []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// BatchStatuses implements StatusClient.
func (c *HTTPStatusClient) BatchStatuses(ctx context.Context, batchIDs []string) (map[string]model.BatchStatus, error) {
	q := url.Values{}
	q.Set("id", strings.Join(batchIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batch_statuses?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch statuses: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ledger returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out batchStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode batch statuses: %w", err)
	}

	statuses := make(map[string]model.BatchStatus, len(out.Data))
	for _, d := range out.Data {
		status := model.BatchStatus(strings.ToLower(d.Status))
		if !status.Valid() {
			continue
		}
		statuses[d.ID] = status
	}
	return statuses, nil
}
