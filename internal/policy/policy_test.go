package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func robotsServer(t *testing.T, body string, status int, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		require.Equal(t, "/robots.txt", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func engineFor(t *testing.T, srv *httptest.Server, cfg Config, clock *fakeClock) (*Engine, string) {
	t.Helper()
	cache := NewRobotsCache(RobotsCacheConfig{
		TTL:       time.Hour,
		UserAgent: "crawlgrid-bot/0.1",
	}, clock, zap.NewNop())
	return NewEngine(cfg, cache), srv.Listener.Addr().String()
}

func TestDecideDeniesBeyondMaxDepth(t *testing.T) {
	srv := robotsServer(t, "", http.StatusNotFound, nil)
	eng, host := engineFor(t, srv, Config{MaxDepth: 1}, newFakeClock())

	d, err := eng.Decide(context.Background(), "http://"+host+"/page", 2)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyDepth, d.Reason)

	d, err = eng.Decide(context.Background(), "http://"+host+"/page", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestDecideDeniesOutOfScopeDomain(t *testing.T) {
	clock := newFakeClock()
	cache := NewRobotsCache(RobotsCacheConfig{TTL: time.Hour}, clock, zap.NewNop())
	eng := NewEngine(Config{MaxDepth: 5, AllowedDomains: []string{"example.com"}}, cache)

	// Scope check fires before any robots fetch, so no server is needed.
	d, err := eng.Decide(context.Background(), "http://other.com/b", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyDomain, d.Reason)
}

func TestDecideAllowsSubdomainOfAllowedDomain(t *testing.T) {
	clock := newFakeClock()
	cache := NewRobotsCache(RobotsCacheConfig{TTL: time.Hour}, clock, zap.NewNop())
	eng := NewEngine(Config{MaxDepth: 5, AllowedDomains: []string{"example.com"}}, cache)

	require.True(t, eng.domainAllowed("sub.example.com"))
	require.True(t, eng.domainAllowed("example.com"))
	require.False(t, eng.domainAllowed("notexample.com"))
}

func TestDecideDeniesRobotsDisallowedPath(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nDisallow: /private\n", http.StatusOK, nil)
	eng, host := engineFor(t, srv, Config{MaxDepth: 3}, newFakeClock())

	d, err := eng.Decide(context.Background(), "http://"+host+"/private/page", 0)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyRobots, d.Reason)

	d, err = eng.Decide(context.Background(), "http://"+host+"/public", 0)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestDecideIsDeterministicForUnchangedCache(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nDisallow: /private\n", http.StatusOK, nil)
	eng, host := engineFor(t, srv, Config{MaxDepth: 3}, newFakeClock())

	first, err := eng.Decide(context.Background(), "http://"+host+"/private/x", 1)
	require.NoError(t, err)
	second, err := eng.Decide(context.Background(), "http://"+host+"/private/x", 1)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDecideDelayIsMaxOfDefaultAndCrawlDelay(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nCrawl-delay: 3\n", http.StatusOK, nil)
	eng, host := engineFor(t, srv, Config{MaxDepth: 3, DefaultDelay: time.Second}, newFakeClock())

	d, err := eng.Decide(context.Background(), "http://"+host+"/a", 0)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 3*time.Second, d.Delay)
}

func TestDecideDefaultDelayWinsOverSmallerCrawlDelay(t *testing.T) {
	srv := robotsServer(t, "User-agent: *\nCrawl-delay: 1\n", http.StatusOK, nil)
	eng, host := engineFor(t, srv, Config{MaxDepth: 3, DefaultDelay: 5 * time.Second}, newFakeClock())

	d, err := eng.Decide(context.Background(), "http://"+host+"/a", 0)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d.Delay)
}

func TestRobotsNotFoundMeansNoRestrictions(t *testing.T) {
	srv := robotsServer(t, "", http.StatusNotFound, nil)
	eng, host := engineFor(t, srv, Config{MaxDepth: 3}, newFakeClock())

	d, err := eng.Decide(context.Background(), "http://"+host+"/anything", 0)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRobotsCacheCollapsesConcurrentFetches(t *testing.T) {
	var hits atomic.Int64
	srv := robotsServer(t, "User-agent: *\nDisallow:\n", http.StatusOK, &hits)
	clock := newFakeClock()
	cache := NewRobotsCache(RobotsCacheConfig{TTL: time.Hour}, clock, zap.NewNop())
	host := srv.Listener.Addr().String()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Lookup(context.Background(), "http", host)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), hits.Load(), "concurrent lookups must collapse to one fetch")
}

func TestRobotsCacheRefreshesAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := robotsServer(t, "User-agent: *\nDisallow:\n", http.StatusOK, &hits)
	clock := newFakeClock()
	cache := NewRobotsCache(RobotsCacheConfig{TTL: time.Hour}, clock, zap.NewNop())
	host := srv.Listener.Addr().String()

	cache.Lookup(context.Background(), "http", host)
	cache.Lookup(context.Background(), "http", host)
	require.Equal(t, int64(1), hits.Load())

	clock.Advance(2 * time.Hour)
	cache.Lookup(context.Background(), "http", host)
	require.Equal(t, int64(2), hits.Load())
}

func TestRobotsTransportErrorRetriesOnceThenAllows(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close() // transport error, not an HTTP status
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewRobotsCache(RobotsCacheConfig{TTL: time.Hour}, clock, zap.NewNop())
	host := srv.Listener.Addr().String()

	entry := cache.Lookup(context.Background(), "http", host)
	require.True(t, entry.Allowed("/anything"), "fetch failure falls back to permissive")
	require.Equal(t, int64(2), hits.Load(), "exactly one retry")

	// The permissive fallback is cached; no further probes per URL.
	cache.Lookup(context.Background(), "http", host)
	require.Equal(t, int64(2), hits.Load())
}

func TestDecideRejectsUnparseableURL(t *testing.T) {
	clock := newFakeClock()
	cache := NewRobotsCache(RobotsCacheConfig{TTL: time.Hour}, clock, zap.NewNop())
	eng := NewEngine(Config{MaxDepth: 3}, cache)

	_, err := eng.Decide(context.Background(), "http://\x7f", 0)
	require.Error(t, err)
}
