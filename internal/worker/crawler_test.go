package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mazen4bs/crawlgrid/internal/clock/system"
	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/hash/sha256"
	"github.com/mazen4bs/crawlgrid/internal/policy"
	pubmemory "github.com/mazen4bs/crawlgrid/internal/publisher/memory"
	memqueue "github.com/mazen4bs/crawlgrid/internal/queue/memory"
	storememory "github.com/mazen4bs/crawlgrid/internal/storage/memory"
)

type fakeMaster struct {
	mu      sync.Mutex
	pending []crawl.Task
	results []crawl.Result
	beats   int
}

func (m *fakeMaster) RequestAssignment(ctx context.Context, _ string) (crawl.Task, bool, error) {
	m.mu.Lock()
	if len(m.pending) > 0 {
		task := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		return task, true, nil
	}
	m.mu.Unlock()
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
	}
	return crawl.Task{}, false, nil
}

func (m *fakeMaster) ReportResult(_ context.Context, _ string, res crawl.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func (m *fakeMaster) SendHeartbeat(_ context.Context, _ crawl.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats++
	return nil
}

func (m *fakeMaster) reported() []crawl.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]crawl.Result(nil), m.results...)
}

func (m *fakeMaster) heartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beats
}

type stubDecider struct {
	decision policy.Decision
}

func (d stubDecider) Decide(context.Context, string, int) (policy.Decision, error) {
	return d.decision, nil
}

type stubFetcher struct {
	mu    sync.Mutex
	resp  crawl.FetchResponse
	err   error
	calls int
	block chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (crawl.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return crawl.FetchResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return crawl.FetchResponse{}, f.err
	}
	resp := f.resp
	resp.URL = url
	return resp, nil
}

func (f *stubFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(body string) crawl.FetchResponse {
	return crawl.FetchResponse{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
		Duration:   5 * time.Millisecond,
	}
}

type crawlerFixture struct {
	crawler *Crawler
	master  *fakeMaster
	store   *storememory.BlobStore
	pages   *memqueue.Queue
}

func newCrawlerFixture(t *testing.T, decider Decider, fetcher crawl.Fetcher) *crawlerFixture {
	t.Helper()
	master := &fakeMaster{}
	store := storememory.New()
	pages := memqueue.New(64, time.Minute)
	t.Cleanup(func() { _ = pages.Close() })

	c := NewCrawler(
		CrawlerConfig{ID: "w1", HeartbeatInterval: 20 * time.Millisecond, PageTopic: "pages"},
		CrawlerDeps{
			Master:    master,
			Policy:    decider,
			Fetcher:   fetcher,
			Store:     store,
			Hasher:    sha256.New(),
			Publisher: pubmemory.New(map[string]crawl.TaskQueue{"pages": pages}),
			Clock:     system.New(),
		},
	)
	return &crawlerFixture{crawler: c, master: master, store: store, pages: pages}
}

func runUntil(t *testing.T, fx *crawlerFixture, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.crawler.Run(ctx)
		close(done)
	}()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("crawler did not stop")
	}
}

func TestCrawlerProcessesTaskEndToEnd(t *testing.T) {
	const page = `<html><head><title>t</title></head><body><a href="/next">next</a></body></html>`
	fx := newCrawlerFixture(t,
		stubDecider{decision: policy.Decision{Allowed: true}},
		&stubFetcher{resp: okResponse(page)},
	)
	fx.master.pending = []crawl.Task{{ID: "t1", URL: "http://example.com/", Depth: 0}}

	runUntil(t, fx, func() bool { return len(fx.master.reported()) == 1 })

	res := fx.master.reported()[0]
	require.Equal(t, crawl.OutcomeSuccess, res.Outcome)
	require.Equal(t, []string{"http://example.com/next"}, res.Links)
	require.NotEmpty(t, res.BlobKey)

	// The blob is stored under the canonical-URL hash.
	stored, err := fx.store.Get(context.Background(), res.BlobKey)
	require.NoError(t, err)
	require.Equal(t, page, string(stored))

	// A page-ready notice reached the indexer queue.
	msg, err := fx.pages.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	var notice crawl.PageNotice
	require.NoError(t, json.Unmarshal(msg.Payload, &notice))
	require.Equal(t, "http://example.com/", notice.URL)
	require.Equal(t, res.BlobKey, notice.BlobKey)

	counters := fx.crawler.Counters()
	require.Equal(t, 1, counters.Crawled)
	require.Equal(t, 1, counters.Uploaded)
	require.Equal(t, 0, counters.Failed)
}

func TestCrawlerReportsPolicyRejectionWithoutFetching(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("ignored")}
	fx := newCrawlerFixture(t,
		stubDecider{decision: policy.Decision{Reason: policy.DenyRobots}},
		fetcher,
	)
	fx.master.pending = []crawl.Task{{ID: "t1", URL: "http://example.com/private/page"}}

	runUntil(t, fx, func() bool { return len(fx.master.reported()) == 1 })

	res := fx.master.reported()[0]
	require.Equal(t, crawl.OutcomeRejected, res.Outcome)
	require.Equal(t, string(policy.DenyRobots), res.RejectReason)
	require.Zero(t, fetcher.fetchCount(), "denied URLs are never fetched")
}

func TestCrawlerReportsFetchFailure(t *testing.T) {
	fx := newCrawlerFixture(t,
		stubDecider{decision: policy.Decision{Allowed: true}},
		&stubFetcher{err: errors.New("connection refused")},
	)
	fx.master.pending = []crawl.Task{{ID: "t1", URL: "http://example.com/"}}

	runUntil(t, fx, func() bool { return len(fx.master.reported()) == 1 })

	res := fx.master.reported()[0]
	require.Equal(t, crawl.OutcomeFailure, res.Outcome)
	require.Contains(t, res.ErrorText, "connection refused")
	require.Equal(t, 1, fx.crawler.Counters().Failed)
}

func TestCrawlerTreatsServerErrorsAsFailures(t *testing.T) {
	resp := okResponse("oops")
	resp.StatusCode = http.StatusServiceUnavailable
	fx := newCrawlerFixture(t,
		stubDecider{decision: policy.Decision{Allowed: true}},
		&stubFetcher{resp: resp},
	)
	fx.master.pending = []crawl.Task{{ID: "t1", URL: "http://example.com/"}}

	runUntil(t, fx, func() bool { return len(fx.master.reported()) == 1 })

	res := fx.master.reported()[0]
	require.Equal(t, crawl.OutcomeFailure, res.Outcome)
	require.Contains(t, res.ErrorText, "503")
}

func TestCrawlerHeartbeatsWhileFetchIsStuck(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fx := newCrawlerFixture(t,
		stubDecider{decision: policy.Decision{Allowed: true}},
		&stubFetcher{resp: okResponse("slow"), block: block},
	)
	fx.master.pending = []crawl.Task{{ID: "t1", URL: "http://example.com/"}}

	runUntil(t, fx, func() bool { return fx.master.heartbeats() >= 3 })
}
