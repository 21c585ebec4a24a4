package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/metrics"
)

const maxRobotsBytes = 1 << 20

// Entry is a cached robots verdict source for one domain. A nil group means
// no restrictions.
type Entry struct {
	group      *robotstxt.Group
	CrawlDelay time.Duration
	fetchedAt  time.Time
}

// Allowed tests a path against the cached rules, permissive when none exist.
func (e Entry) Allowed(path string) bool {
	if e.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return e.group.Test(path)
}

// RobotsCacheConfig tunes the cache.
type RobotsCacheConfig struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	UserAgent    string
}

// RobotsCache caches per-domain robots.txt rules with a TTL. Concurrent
// lookups for an uncached domain collapse to a single fetch; a failed fetch
// falls back to a permissive entry so an unreachable robots.txt never stalls
// the crawl.
type RobotsCache struct {
	cfg    RobotsCacheConfig
	client *http.Client
	clock  crawl.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	flight  singleflight.Group
}

// NewRobotsCache builds a RobotsCache.
func NewRobotsCache(cfg RobotsCacheConfig, clock crawl.Clock, logger *zap.Logger) *RobotsCache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crawlgrid-bot/0.1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsCache{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		clock:   clock,
		logger:  logger,
		entries: make(map[string]Entry),
	}
}

// Lookup returns the rules for a domain, fetching robots.txt on a cold or
// expired entry. It never fails: errors degrade to a permissive entry.
func (c *RobotsCache) Lookup(ctx context.Context, scheme, domain string) Entry {
	domain = strings.ToLower(domain)
	if entry, ok := c.fresh(domain); ok {
		return entry
	}

	// Collapse concurrent refreshes for the same domain to one fetch;
	// late arrivals wait on the in-flight result.
	v, _, _ := c.flight.Do(domain, func() (any, error) {
		if entry, ok := c.fresh(domain); ok {
			return entry, nil
		}
		entry := c.fetch(ctx, scheme, domain)
		c.mu.Lock()
		c.entries[domain] = entry
		c.mu.Unlock()
		return entry, nil
	})
	entry, ok := v.(Entry)
	if !ok {
		return Entry{fetchedAt: c.clock.Now()}
	}
	return entry
}

func (c *RobotsCache) fresh(domain string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[domain]
	if !ok {
		return Entry{}, false
	}
	if c.clock.Now().Sub(entry.fetchedAt) > c.cfg.TTL {
		return Entry{}, false
	}
	return entry, true
}

// fetch retrieves and parses robots.txt. A 404 means no restrictions; a
// transport error gets one retry before the same permissive fallback.
func (c *RobotsCache) fetch(ctx context.Context, scheme, domain string) Entry {
	if scheme != "https" {
		scheme = "http"
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, domain)

	data, err := c.fetchOnce(ctx, robotsURL)
	if err != nil {
		c.logger.Debug("robots fetch failed, retrying once",
			zap.String("domain", domain), zap.Error(err))
		data, err = c.fetchOnce(ctx, robotsURL)
	}
	if err != nil {
		metrics.ObserveRobotsFetch("error")
		c.logger.Warn("robots fetch failed, allowing access",
			zap.String("domain", domain), zap.Error(err))
		return Entry{fetchedAt: c.clock.Now()}
	}

	metrics.ObserveRobotsFetch("ok")
	group := data.FindGroup(c.cfg.UserAgent)
	if group == nil {
		group = data.FindGroup("*")
	}
	entry := Entry{fetchedAt: c.clock.Now()}
	if group != nil {
		entry.group = group
		entry.CrawlDelay = group.CrawlDelay
	}
	return entry
}

func (c *RobotsCache) fetchOnce(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	// FromStatusAndBytes treats 404 as "no restrictions" and 401/403 as
	// "deny all", per convention.
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
