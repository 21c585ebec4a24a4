// Package worker implements the crawler worker: the task loop that fetches
// pages, stores them, and reports back, plus the HTTP client every worker
// role uses to talk to the master.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
)

// MasterClient talks to the master's HTTP API on behalf of a worker.
type MasterClient struct {
	baseURL string
	client  *http.Client
}

// NewMasterClient builds a client for the master at baseURL. The timeout
// must comfortably exceed the master's assignment wait.
func NewMasterClient(baseURL string, timeout time.Duration) *MasterClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MasterClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// RequestAssignment asks the master for the next task. ok is false when the
// queue is empty.
func (c *MasterClient) RequestAssignment(ctx context.Context, workerID string) (crawl.Task, bool, error) {
	url := fmt.Sprintf("%s/v1/workers/%s/assignment", c.baseURL, workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return crawl.Task{}, false, fmt.Errorf("build assignment request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return crawl.Task{}, false, fmt.Errorf("request assignment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return crawl.Task{}, false, nil
	case http.StatusOK:
		var task crawl.Task
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return crawl.Task{}, false, fmt.Errorf("decode assignment: %w", err)
		}
		return task, true, nil
	default:
		return crawl.Task{}, false, fmt.Errorf("assignment request: http %d", resp.StatusCode)
	}
}

// ReportResult posts a task result back to the master.
func (c *MasterClient) ReportResult(ctx context.Context, workerID string, res crawl.Result) error {
	url := fmt.Sprintf("%s/v1/workers/%s/results", c.baseURL, workerID)
	return c.postJSON(ctx, url, res, nil)
}

// SendHeartbeat posts a liveness signal.
func (c *MasterClient) SendHeartbeat(ctx context.Context, hb crawl.Heartbeat) error {
	url := fmt.Sprintf("%s/v1/workers/%s/heartbeat", c.baseURL, hb.WorkerID)
	return c.postJSON(ctx, url, hb, nil)
}

// SubmitSeeds submits seed URLs, returning their admitted records.
func (c *MasterClient) SubmitSeeds(ctx context.Context, urls []string) ([]crawl.URLRecord, error) {
	var out struct {
		Records []crawl.URLRecord `json:"records"`
	}
	if err := c.postJSON(ctx, c.baseURL+"/v1/seeds", map[string]any{"urls": urls}, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Stats fetches the master's stats snapshot.
func (c *MasterClient) Stats(ctx context.Context) (crawl.StatsSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stats", nil)
	if err != nil {
		return crawl.StatsSnapshot{}, fmt.Errorf("build stats request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return crawl.StatsSnapshot{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return crawl.StatsSnapshot{}, fmt.Errorf("fetch stats: http %d", resp.StatusCode)
	}
	var snap crawl.StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return crawl.StatsSnapshot{}, fmt.Errorf("decode stats: %w", err)
	}
	return snap, nil
}

func (c *MasterClient) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: http %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response of %s: %w", url, err)
	}
	return nil
}
