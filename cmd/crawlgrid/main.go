// Package main wires together the crawlgrid service binaries. One binary
// hosts every role; the -role flag selects which of master, crawler, and
// indexer run in this process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/clock/system"
	"github.com/mazen4bs/crawlgrid/internal/config"
	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/fetch"
	"github.com/mazen4bs/crawlgrid/internal/hash/sha256"
	"github.com/mazen4bs/crawlgrid/internal/id/uuid"
	"github.com/mazen4bs/crawlgrid/internal/indexer"
	"github.com/mazen4bs/crawlgrid/internal/logging"
	"github.com/mazen4bs/crawlgrid/internal/master"
	"github.com/mazen4bs/crawlgrid/internal/policy"
	"github.com/mazen4bs/crawlgrid/internal/progress"
	"github.com/mazen4bs/crawlgrid/internal/progress/sinks"
	memorypublisher "github.com/mazen4bs/crawlgrid/internal/publisher/memory"
	pubsubpublisher "github.com/mazen4bs/crawlgrid/internal/publisher/pubsub"
	queueMemory "github.com/mazen4bs/crawlgrid/internal/queue/memory"
	queueRedis "github.com/mazen4bs/crawlgrid/internal/queue/redis"
	gcsStorage "github.com/mazen4bs/crawlgrid/internal/storage/gcs"
	localStorage "github.com/mazen4bs/crawlgrid/internal/storage/local"
	memoryStorage "github.com/mazen4bs/crawlgrid/internal/storage/memory"
	"github.com/mazen4bs/crawlgrid/internal/storage/postgres"
	"github.com/mazen4bs/crawlgrid/internal/worker"
)

const (
	tasksKeyPrefix = "crawlgrid:tasks"
	pagesKeyPrefix = "crawlgrid:pages"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	role := flag.String("role", "all", "Role to run: master, crawler, indexer, or all")
	seeds := flag.String("seeds", "", "Comma-separated seed URLs submitted at startup")
	statsOnly := flag.Bool("stats", false, "Fetch the master's stats snapshot, print it, and exit")
	flag.Parse()

	runMaster := *role == "master" || *role == "all"
	runCrawler := *role == "crawler" || *role == "all"
	runIndexer := *role == "indexer" || *role == "all"
	if !runMaster && !runCrawler && !runIndexer {
		fmt.Fprintf(os.Stderr, "unknown role %q: want master, crawler, indexer, or all\n", *role)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *statsOnly {
		snap, statsErr := worker.NewMasterClient(cfg.Master.URL, 0).Stats(ctx)
		if statsErr != nil {
			logger.Fatal("fetch stats failed", zap.String("master", cfg.Master.URL), zap.Error(statsErr))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(snap); encErr != nil {
			logger.Fatal("encode stats failed", zap.Error(encErr))
		}
		return
	}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")),
		sinks.NewPrometheusSink(),
	)

	robots := policy.NewRobotsCache(policy.RobotsCacheConfig{
		TTL:          cfg.Robots.CacheTTL,
		FetchTimeout: cfg.Robots.FetchTimeout,
		UserAgent:    cfg.Crawl.UserAgent,
	}, clock, logger.Named("robots"))
	engine := policy.NewEngine(policy.Config{
		MaxDepth:       cfg.Crawl.MaxDepth,
		AllowedDomains: cfg.Crawl.AllowedDomains,
		DefaultDelay:   cfg.Crawl.DefaultDelay,
	}, robots)

	var queues []crawl.TaskQueue

	var blobStore crawl.BlobStore
	if runCrawler || runIndexer {
		blobStore, err = buildBlobStore(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal("blob store init failed", zap.Error(err))
		}
	}

	var pagesQueue crawl.TaskQueue
	if runCrawler || runIndexer {
		pagesQueue, err = buildQueue(cfg.Queue, pagesKeyPrefix, logger.Named("pages_queue"))
		if err != nil {
			logger.Fatal("pages queue init failed", zap.Error(err))
		}
		queues = append(queues, pagesQueue)
	}

	var masterClient *worker.MasterClient
	if runCrawler || runIndexer {
		masterClient = worker.NewMasterClient(cfg.Master.URL, 0)
	}

	var wg sync.WaitGroup
	var servers []*http.Server

	if runMaster {
		taskQueue, qErr := buildQueue(cfg.Queue, tasksKeyPrefix, logger.Named("task_queue"))
		if qErr != nil {
			logger.Fatal("task queue init failed", zap.Error(qErr))
		}
		queues = append(queues, taskQueue)

		var archiver master.Archiver
		if cfg.Archive.DSN != "" {
			archive, aErr := postgres.New(ctx, postgres.Config{DSN: cfg.Archive.DSN})
			if aErr != nil {
				logger.Fatal("archive store init failed", zap.Error(aErr))
			}
			defer archive.Close()
			archiver = archive
		}

		frontier := master.NewFrontier(master.FrontierConfig{
			RetryLimit: cfg.Crawl.RetryLimit,
		}, master.FrontierDeps{
			Queue:   taskQueue,
			Policy:  engine,
			Clock:   clock,
			IDs:     idGen,
			Logger:  logger.Named("frontier"),
			Emitter: hub,
			Archive: archiver,
		})
		monitor := master.NewMonitor(master.MonitorConfig{
			Timeout: cfg.Heartbeat.Timeout,
			Grace:   cfg.Heartbeat.Grace,
		}, master.MonitorDeps{
			Clock:   clock,
			Logger:  logger.Named("monitor"),
			Emitter: hub,
			OnDead:  frontier.ReleaseWorker,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(ctx)
		}()

		apiServer := master.NewServer(frontier, monitor, logger.Named("api"))
		srv := &http.Server{
			Addr:              cfg.Master.ListenAddr,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			logger.Info("master listening", zap.String("addr", cfg.Master.ListenAddr))
			if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("master server error", zap.Error(serveErr))
				stop()
			}
		}()

		for _, seed := range splitSeeds(*seeds) {
			if _, seedErr := frontier.SubmitSeed(ctx, seed); seedErr != nil {
				logger.Warn("seed rejected", zap.String("url", seed), zap.Error(seedErr))
			}
		}
	} else if seedList := splitSeeds(*seeds); len(seedList) > 0 {
		// No in-process frontier; hand the seeds to the remote master.
		records, seedErr := masterClient.SubmitSeeds(ctx, seedList)
		if seedErr != nil {
			logger.Warn("seed submission to master failed",
				zap.String("master", cfg.Master.URL), zap.Error(seedErr))
		} else {
			logger.Info("seeds submitted", zap.Int("count", len(records)))
		}
	}

	if runCrawler {
		publisher, pubErr := buildPublisher(ctx, cfg, pagesQueue)
		if pubErr != nil {
			logger.Fatal("publisher init failed", zap.Error(pubErr))
		}
		fetcher := fetch.NewHTTPFetcher(fetch.Config{
			UserAgent:    cfg.Crawl.UserAgent,
			Timeout:      cfg.Crawl.FetchTimeout,
			MaxPageBytes: cfg.Crawl.MaxPageBytes,
		})
		gate := policy.NewDelayGate()

		for i := 0; i < cfg.Worker.Count; i++ {
			id, idErr := idGen.NewID()
			if idErr != nil {
				logger.Fatal("worker id generation failed", zap.Error(idErr))
			}
			c := worker.NewCrawler(worker.CrawlerConfig{
				ID:                "crawler-" + id,
				HeartbeatInterval: cfg.Heartbeat.Interval,
				PageTopic:         cfg.PubSub.Topic,
				KeyPrefix:         cfg.Storage.Prefix,
			}, worker.CrawlerDeps{
				Master:    masterClient,
				Policy:    engine,
				Gate:      gate,
				Fetcher:   fetcher,
				Store:     blobStore,
				Hasher:    hasher,
				Publisher: publisher,
				Clock:     clock,
				Logger:    logger.Named("crawler").With(zap.Int("index", i)),
				Emitter:   hub,
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Run(ctx)
			}()
		}
		logger.Info("crawlers started", zap.Int("count", cfg.Worker.Count))
	}

	if runIndexer {
		id, idErr := idGen.NewID()
		if idErr != nil {
			logger.Fatal("indexer id generation failed", zap.Error(idErr))
		}
		idx := indexer.NewIndex()
		shard := indexer.New(indexer.Config{
			ID:                "indexer-" + id,
			HeartbeatInterval: cfg.Heartbeat.Interval,
			PollWait:          cfg.Queue.PollWait,
			SnapshotInterval:  cfg.Indexer.SnapshotInterval,
			SnapshotKey:       cfg.Indexer.SnapshotKey,
		}, indexer.Deps{
			Master:  masterClient,
			Pages:   pagesQueue,
			Store:   blobStore,
			Index:   idx,
			Clock:   clock,
			Logger:  logger.Named("indexer"),
			Emitter: hub,
		})
		if restoreErr := shard.RestoreSnapshot(ctx); restoreErr != nil {
			logger.Warn("index snapshot restore failed", zap.Error(restoreErr))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			shard.Run(ctx)
		}()

		search := indexer.NewSearchServer(idx, logger.Named("search"))
		searchSrv := &http.Server{
			Addr:              cfg.Indexer.ListenAddr,
			Handler:           search.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, searchSrv)
		go func() {
			logger.Info("search listening", zap.String("addr", cfg.Indexer.ListenAddr))
			if serveErr := searchSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("search server error", zap.Error(serveErr))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
			logger.Error("server shutdown error", zap.Error(shutErr))
		}
	}
	wg.Wait()
	for _, q := range queues {
		if closeErr := q.Close(); closeErr != nil {
			logger.Error("queue close error", zap.Error(closeErr))
		}
	}
	if hubErr := hub.Close(shutdownCtx); hubErr != nil {
		logger.Error("event hub close error", zap.Error(hubErr))
	}
	logger.Info("shutdown complete")
}

func buildQueue(cfg config.QueueConfig, keyPrefix string, logger *zap.Logger) (crawl.TaskQueue, error) {
	switch cfg.Backend {
	case "redis":
		return queueRedis.New(queueRedis.Config{
			Addr:       cfg.RedisAddr,
			KeyPrefix:  keyPrefix,
			Visibility: cfg.VisibilityTimeout,
		}, logger)
	default:
		return queueMemory.New(cfg.MemoryDepth, cfg.VisibilityTimeout), nil
	}
}

func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (crawl.BlobStore, error) {
	switch cfg.Backend {
	case "local":
		return localStorage.New(localStorage.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsStorage.New(client, gcsStorage.Config{Bucket: cfg.GCSBucket})
	default:
		return memoryStorage.New(), nil
	}
}

// buildPublisher always bridges notices onto the pages queue; with a GCP
// project configured it additionally publishes to Pub/Sub for consumers
// outside this deployment.
func buildPublisher(ctx context.Context, cfg config.Config, pagesQueue crawl.TaskQueue) (crawl.Publisher, error) {
	bridge := memorypublisher.New(map[string]crawl.TaskQueue{cfg.PubSub.Topic: pagesQueue})
	if cfg.PubSub.ProjectID == "" {
		return bridge, nil
	}
	ps, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	return fanoutPublisher{targets: []crawl.Publisher{bridge, ps}}, nil
}

// fanoutPublisher delivers each notice to every target and returns the last
// message ID. A failed target fails the publish so the caller sees it.
type fanoutPublisher struct {
	targets []crawl.Publisher
}

func (p fanoutPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	var msgID string
	for _, target := range p.targets {
		id, err := target.Publish(ctx, topic, payload)
		if err != nil {
			return "", err
		}
		msgID = id
	}
	return msgID, nil
}

func splitSeeds(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
