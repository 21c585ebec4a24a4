package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
)

func TestMasterClientAssignment(t *testing.T) {
	task := crawl.Task{ID: "t1", URL: "http://example.com/", Depth: 1}
	empty := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/workers/w1/assignment", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		if empty {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(task)
	}))
	defer srv.Close()

	client := NewMasterClient(srv.URL, time.Second)
	got, ok, err := client.RequestAssignment(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task, got)

	empty = true
	_, ok, err = client.RequestAssignment(context.Background(), "w1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMasterClientReportAndHeartbeat(t *testing.T) {
	var gotResult crawl.Result
	var gotHeartbeat crawl.Heartbeat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/workers/w1/results":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotResult))
		case "/v1/workers/w1/heartbeat":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotHeartbeat))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := NewMasterClient(srv.URL, time.Second)
	res := crawl.Result{TaskID: "t1", URL: "http://example.com/", Outcome: crawl.OutcomeSuccess}
	require.NoError(t, client.ReportResult(context.Background(), "w1", res))
	require.Equal(t, res, gotResult)

	hb := crawl.Heartbeat{WorkerID: "w1", Role: crawl.RoleCrawler}
	require.NoError(t, client.SendHeartbeat(context.Background(), hb))
	require.Equal(t, "w1", gotHeartbeat.WorkerID)
}

func TestMasterClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewMasterClient(srv.URL, time.Second)
	err := client.ReportResult(context.Background(), "w1", crawl.Result{TaskID: "t1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")
}

func TestMasterClientSubmitSeedsAndStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/seeds":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"records":[{"url":"http://example.com/","state":"QUEUED"}]}`))
		case "/v1/stats":
			_, _ = w.Write([]byte(`{"queued":2,"done":5}`))
		}
	}))
	defer srv.Close()

	client := NewMasterClient(srv.URL, time.Second)
	records, err := client.SubmitSeeds(context.Background(), []string{"example.com"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, crawl.StateQueued, records[0].State)

	snap, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.Queued)
	require.Equal(t, 5, snap.Done)
}
