// Package policy implements the crawl policy engine: scope checks, robots.txt
// compliance, and per-domain politeness delays.
package policy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mazen4bs/crawlgrid/internal/metrics"
)

// DenyReason names why a URL was rejected. Rejections are terminal outcomes,
// not errors.
type DenyReason string

// Deny reasons reported through stats.
const (
	DenyDepth  DenyReason = "depth_exceeded"
	DenyDomain DenyReason = "domain_out_of_scope"
	DenyRobots DenyReason = "robots_disallowed"
)

// Decision is the outcome of a policy check. When Allowed, Delay carries the
// minimum spacing between fetches to the URL's domain.
type Decision struct {
	Allowed bool
	Delay   time.Duration
	Reason  DenyReason
}

// Config tunes the engine.
type Config struct {
	MaxDepth int
	// AllowedDomains scopes the crawl; empty means any domain.
	AllowedDomains []string
	DefaultDelay   time.Duration
}

// Engine decides allow/deny/delay for candidate URLs. Decisions are
// deterministic for an unchanged robots cache.
type Engine struct {
	cfg     Config
	allowed map[string]struct{}
	robots  *RobotsCache
}

// NewEngine builds an Engine over the given robots cache.
func NewEngine(cfg Config, robots *RobotsCache) *Engine {
	allowed := make(map[string]struct{}, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		allowed[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &Engine{cfg: cfg, allowed: allowed, robots: robots}
}

// Decide checks depth, domain scope, and robots rules in that order. Robots
// lookups may fetch (collapsed per domain); everything else is pure.
func (e *Engine) Decide(ctx context.Context, rawURL string, depth int) (Decision, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Decision{}, fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Decision{}, fmt.Errorf("url %q has no host", rawURL)
	}

	if depth > e.cfg.MaxDepth {
		return e.deny(DenyDepth), nil
	}
	if !e.domainAllowed(host) {
		return e.deny(DenyDomain), nil
	}

	entry := e.robots.Lookup(ctx, u.Scheme, host)
	if !entry.Allowed(u.Path) {
		return e.deny(DenyRobots), nil
	}

	delay := e.cfg.DefaultDelay
	if entry.CrawlDelay > delay {
		delay = entry.CrawlDelay
	}
	metrics.ObservePolicyDecision("allow")
	return Decision{Allowed: true, Delay: delay}, nil
}

func (e *Engine) deny(reason DenyReason) Decision {
	metrics.ObservePolicyDecision(string(reason))
	return Decision{Reason: reason}
}

// domainAllowed accepts exact matches and subdomains of allowed entries.
func (e *Engine) domainAllowed(host string) bool {
	if len(e.allowed) == 0 {
		return true
	}
	if _, ok := e.allowed[host]; ok {
		return true
	}
	for d := range e.allowed {
		if strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
