package master

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
)

func newTestServer(t *testing.T) (*httptest.Server, *Frontier, *Monitor) {
	t.Helper()
	f := newTestFrontier(t, scopeDecider{maxDepth: 1, domain: "example.com"}, 3)
	m := NewMonitor(
		MonitorConfig{Timeout: 10 * time.Second, Grace: 5 * time.Second},
		MonitorDeps{Clock: newFakeClock(), OnDead: func(ctx context.Context, id string) int { return f.ReleaseWorker(ctx, id) }},
	)
	srv := httptest.NewServer(NewServer(f, m, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv, f, m
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServerHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServerSubmitSeedsValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/seeds", map[string]any{"urls": []string{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/seeds", map[string]any{"urls": []string{"http://example.com/"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody[map[string][]crawl.URLRecord](t, resp)
	require.Len(t, body["records"], 1)
	require.Equal(t, crawl.StateQueued, body["records"][0].State)
}

func TestServerAssignmentEmptyQueueReturnsNoContent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/workers/w1/assignment", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServerCrawlRoundTrip(t *testing.T) {
	srv, f, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/seeds", map[string]any{"urls": []string{"example.com"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/workers/w1/assignment", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decodeBody[crawl.Task](t, resp)
	require.Equal(t, "http://example.com/", task.URL)

	resp = postJSON(t, fmt.Sprintf("%s/v1/workers/w1/results", srv.URL), crawl.Result{
		TaskID:  task.ID,
		URL:     task.URL,
		Outcome: crawl.OutcomeSuccess,
		Links:   []string{"http://example.com/a", "http://other.com/b"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	rec, ok := f.Record("http://example.com/a")
	require.True(t, ok)
	require.Equal(t, crawl.StateQueued, rec.State)
	rejected, ok := f.Record("http://other.com/b")
	require.True(t, ok)
	require.Equal(t, crawl.StateRejected, rejected.State)
}

func TestServerResultForUnknownTaskIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/workers/w1/results", crawl.Result{
		TaskID: "nope", URL: "http://example.com/x", Outcome: crawl.OutcomeSuccess,
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServerHeartbeatAndStats(t *testing.T) {
	srv, _, _ := newTestServer(t)

	hb := crawl.Heartbeat{
		WorkerID: "w1",
		Role:     crawl.RoleCrawler,
		Counters: crawl.WorkerCounters{Crawled: 3, Uploaded: 3},
		SentAt:   time.Now().UTC(),
	}
	resp := postJSON(t, srv.URL+"/v1/workers/w1/heartbeat", hb)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Mismatched path and body worker ids are rejected.
	resp = postJSON(t, srv.URL+"/v1/workers/other/heartbeat", hb)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	statsResp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	snap := decodeBody[crawl.StatsSnapshot](t, statsResp)
	require.Len(t, snap.Workers, 1)
	require.Equal(t, "w1", snap.Workers[0].WorkerID)
	require.Equal(t, 3, snap.Workers[0].Counters.Crawled)
}

func TestServerMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
