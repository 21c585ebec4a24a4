// Package fetch retrieves pages over HTTP and extracts links, titles, and
// indexable text from HTML bodies.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/metrics"
	"github.com/mazen4bs/crawlgrid/internal/progress"
)

// Config controls the HTTP fetcher.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxPageBytes bounds how much of a response body is read. Zero means
	// the default cap.
	MaxPageBytes int64
}

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxPageBytes = 8 << 20
)

// HTTPFetcher implements crawl.Fetcher over a pooled http.Transport.
type HTTPFetcher struct {
	cfg    Config
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with connection pooling.
func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxPageBytes <= 0 {
		cfg.MaxPageBytes = defaultMaxPageBytes
	}
	return &HTTPFetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(),
		},
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Fetch performs a single GET. Non-2xx statuses are returned in the response,
// not as errors; callers decide how to treat them. The body is truncated at
// MaxPageBytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (crawl.FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return crawl.FetchResponse{}, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveFetch("error", time.Since(start))
		return crawl.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxPageBytes))
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveFetch("error", duration)
		return crawl.FetchResponse{}, fmt.Errorf("read body of %s: %w", rawURL, err)
	}

	metrics.ObserveFetch(progress.ClassifyStatus(resp.StatusCode), duration)
	return crawl.FetchResponse{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   duration,
	}, nil
}
