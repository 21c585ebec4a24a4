package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/fetch"
	"github.com/mazen4bs/crawlgrid/internal/policy"
	"github.com/mazen4bs/crawlgrid/internal/progress"
)

// Master is the slice of the master API a worker needs.
type Master interface {
	RequestAssignment(ctx context.Context, workerID string) (crawl.Task, bool, error)
	ReportResult(ctx context.Context, workerID string, res crawl.Result) error
	SendHeartbeat(ctx context.Context, hb crawl.Heartbeat) error
}

// Decider is the policy check run before each fetch.
type Decider interface {
	Decide(ctx context.Context, rawURL string, depth int) (policy.Decision, error)
}

// CrawlerConfig tunes a crawler worker.
type CrawlerConfig struct {
	ID                string
	HeartbeatInterval time.Duration
	// PageTopic is where page-ready notices are published for indexers.
	PageTopic string
	// KeyPrefix namespaces blob keys, e.g. "pages".
	KeyPrefix string
	// IdleBackoff is the pause after a master error, so a flapping master
	// is not hammered.
	IdleBackoff time.Duration
}

// CrawlerDeps are the crawler's collaborators.
type CrawlerDeps struct {
	Master  Master
	Policy  Decider
	Gate    *policy.DelayGate
	Fetcher crawl.Fetcher
	Store   crawl.BlobStore
	Hasher  crawl.Hasher
	// Publisher may be nil when no indexers are listening.
	Publisher crawl.Publisher
	Clock     crawl.Clock
	Logger    *zap.Logger
	Emitter   progress.Emitter
}

// Crawler is one crawl worker. Task processing and heartbeat emission run as
// independent activities; a slow fetch never starves the heartbeat.
type Crawler struct {
	cfg  CrawlerConfig
	deps CrawlerDeps

	mu       sync.Mutex
	counters crawl.WorkerCounters
}

// NewCrawler builds a crawler worker.
func NewCrawler(cfg CrawlerConfig, deps CrawlerDeps) *Crawler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Gate == nil {
		deps.Gate = policy.NewDelayGate()
	}
	return &Crawler{cfg: cfg, deps: deps}
}

// Run processes tasks until ctx ends. Task-level failures are reported to
// the master and never crash the worker.
func (c *Crawler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()

	c.deps.Logger.Info("crawler started", zap.String("worker_id", c.cfg.ID))
	for ctx.Err() == nil {
		task, ok, err := c.deps.Master.RequestAssignment(ctx, c.cfg.ID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.deps.Logger.Warn("assignment request failed", zap.Error(err))
			c.pause(ctx)
			continue
		}
		if !ok {
			continue
		}
		c.process(ctx, task)
	}
	c.deps.Logger.Info("crawler stopped", zap.String("worker_id", c.cfg.ID))
	wg.Wait()
}

func (c *Crawler) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	c.beat(ctx)
	for {
		select {
		case <-ticker.C:
			c.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Crawler) beat(ctx context.Context) {
	hb := crawl.Heartbeat{
		WorkerID: c.cfg.ID,
		Role:     crawl.RoleCrawler,
		Counters: c.Counters(),
		SentAt:   c.deps.Clock.Now(),
	}
	if err := c.deps.Master.SendHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
		c.deps.Logger.Warn("heartbeat failed", zap.Error(err))
	}
}

func (c *Crawler) process(ctx context.Context, task crawl.Task) {
	logger := c.deps.Logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))

	decision, err := c.deps.Policy.Decide(ctx, task.URL, task.Depth)
	if err != nil {
		c.reportFailure(ctx, task, fmt.Sprintf("policy check: %v", err))
		return
	}
	if !decision.Allowed {
		logger.Info("task rejected by policy", zap.String("reason", string(decision.Reason)))
		c.report(ctx, crawl.Result{
			TaskID:       task.ID,
			URL:          task.URL,
			Outcome:      crawl.OutcomeRejected,
			RejectReason: string(decision.Reason),
		})
		return
	}

	domain, err := crawl.Domain(task.URL)
	if err != nil {
		c.reportFailure(ctx, task, fmt.Sprintf("resolve domain: %v", err))
		return
	}
	if err := c.deps.Gate.Wait(ctx, domain, decision.Delay); err != nil {
		// Shutdown mid-wait; the monitor will reclaim the task.
		logger.Debug("delay wait aborted", zap.Error(err))
		return
	}

	resp, err := c.deps.Fetcher.Fetch(ctx, task.URL)
	if err != nil {
		c.addFailed()
		c.reportFailure(ctx, task, fmt.Sprintf("fetch: %v", err))
		return
	}
	c.deps.Emitter.Emit(progress.Event{
		Kind:        progress.KindFetchDone,
		TS:          c.deps.Clock.Now(),
		URL:         task.URL,
		Domain:      domain,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.addFailed()
		c.reportFailure(ctx, task, fmt.Sprintf("fetch: http %d", resp.StatusCode))
		return
	}

	key, err := c.deps.Hasher.Hash([]byte(task.URL))
	if err != nil {
		c.reportFailure(ctx, task, fmt.Sprintf("hash url: %v", err))
		return
	}
	if c.cfg.KeyPrefix != "" {
		key = c.cfg.KeyPrefix + "/" + key
	}
	uri, err := c.deps.Store.Put(ctx, key, resp.Headers.Get("Content-Type"), resp.Body)
	if err != nil {
		c.addFailed()
		c.reportFailure(ctx, task, fmt.Sprintf("store blob: %v", err))
		return
	}
	c.addUploaded()
	logger.Debug("stored page", zap.String("blob_uri", uri))

	var links []string
	page, err := fetch.ExtractPage(task.URL, resp.Body)
	if err != nil {
		// The blob is stored; an unparseable body just yields no links.
		logger.Warn("link extraction failed", zap.Error(err))
	} else {
		links = page.Links
	}

	c.publishPageNotice(ctx, task.URL, key)
	c.report(ctx, crawl.Result{
		TaskID:  task.ID,
		URL:     task.URL,
		Outcome: crawl.OutcomeSuccess,
		Links:   links,
		BlobKey: key,
		Bytes:   int64(len(resp.Body)),
	})
	c.addCrawled()
}

func (c *Crawler) publishPageNotice(ctx context.Context, url, blobKey string) {
	if c.deps.Publisher == nil {
		return
	}
	notice := crawl.PageNotice{URL: url, BlobKey: blobKey, FetchedAt: c.deps.Clock.Now()}
	if _, err := c.deps.Publisher.Publish(ctx, c.cfg.PageTopic, notice); err != nil {
		c.deps.Logger.Warn("page notice publish failed", zap.String("url", url), zap.Error(err))
	}
}

func (c *Crawler) reportFailure(ctx context.Context, task crawl.Task, errText string) {
	c.report(ctx, crawl.Result{
		TaskID:    task.ID,
		URL:       task.URL,
		Outcome:   crawl.OutcomeFailure,
		ErrorText: errText,
	})
}

func (c *Crawler) report(ctx context.Context, res crawl.Result) {
	if err := c.deps.Master.ReportResult(ctx, c.cfg.ID, res); err != nil && ctx.Err() == nil {
		c.deps.Logger.Warn("result report failed",
			zap.String("task_id", res.TaskID), zap.Error(err))
	}
}

func (c *Crawler) pause(ctx context.Context) {
	select {
	case <-time.After(c.cfg.IdleBackoff):
	case <-ctx.Done():
	}
}

// Counters returns a copy of the worker's cumulative counters.
func (c *Crawler) Counters() crawl.WorkerCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

func (c *Crawler) addCrawled() {
	c.mu.Lock()
	c.counters.Crawled++
	c.mu.Unlock()
}

func (c *Crawler) addUploaded() {
	c.mu.Lock()
	c.counters.Uploaded++
	c.mu.Unlock()
}

func (c *Crawler) addFailed() {
	c.mu.Lock()
	c.counters.Failed++
	c.mu.Unlock()
}
