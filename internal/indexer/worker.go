package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/fetch"
	"github.com/mazen4bs/crawlgrid/internal/progress"
	"github.com/mazen4bs/crawlgrid/internal/queue"
	"github.com/mazen4bs/crawlgrid/internal/storage"
)

// Heartbeater is the slice of the master API the indexer needs.
type Heartbeater interface {
	SendHeartbeat(ctx context.Context, hb crawl.Heartbeat) error
}

// Config tunes an indexer worker.
type Config struct {
	ID                string
	HeartbeatInterval time.Duration
	// PollWait bounds each page-notice dequeue.
	PollWait time.Duration
	// SnapshotInterval is the cadence of background index snapshots; zero
	// disables them.
	SnapshotInterval time.Duration
	// SnapshotKey is the blob key the shard snapshot lives under.
	SnapshotKey string
}

// Deps are the indexer's collaborators.
type Deps struct {
	Master Heartbeater
	// Pages delivers page-ready notices.
	Pages   crawl.TaskQueue
	Store   crawl.BlobStore
	Index   *Index
	Clock   crawl.Clock
	Logger  *zap.Logger
	Emitter progress.Emitter
}

// Worker consumes page-ready notices and maintains a local index shard.
// Indexing and heartbeat emission run independently; snapshots are a
// background activity that never blocks queries.
type Worker struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	counters crawl.WorkerCounters
}

// New builds an indexer worker.
func New(cfg Config, deps Deps) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 2 * time.Second
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = "index/" + cfg.ID + ".json"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	return &Worker{cfg: cfg, deps: deps}
}

// RestoreSnapshot loads the shard's last snapshot from the blob store, if
// one exists. Called once before Run.
func (w *Worker) RestoreSnapshot(ctx context.Context) error {
	data, err := w.deps.Store.Get(ctx, w.cfg.SnapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.deps.Index.Restore(data); err != nil {
		return err
	}
	w.deps.Logger.Info("index snapshot restored",
		zap.String("key", w.cfg.SnapshotKey), zap.Int("docs", w.deps.Index.DocCount()))
	return nil
}

// Run consumes notices until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	if w.cfg.SnapshotInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.snapshotLoop(ctx)
		}()
	}

	w.deps.Logger.Info("indexer started", zap.String("worker_id", w.cfg.ID))
	for ctx.Err() == nil {
		msg, err := w.deps.Pages.Dequeue(ctx, w.cfg.PollWait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			break
		}
		if err != nil {
			w.deps.Logger.Warn("page notice dequeue failed", zap.Error(err))
			continue
		}
		w.handle(ctx, msg)
	}
	w.deps.Logger.Info("indexer stopped", zap.String("worker_id", w.cfg.ID))
	wg.Wait()
}

func (w *Worker) handle(ctx context.Context, msg crawl.Message) {
	var notice crawl.PageNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		w.deps.Logger.Warn("dropping undecodable page notice", zap.Error(err))
		w.ack(ctx, msg.Receipt)
		return
	}
	logger := w.deps.Logger.With(zap.String("url", notice.URL))

	body, err := w.deps.Store.Get(ctx, notice.BlobKey)
	if errors.Is(err, storage.ErrNotFound) {
		// Nothing to index; retrying later would not change that.
		logger.Warn("blob missing for page notice", zap.String("key", notice.BlobKey))
		w.ack(ctx, msg.Receipt)
		return
	}
	if err != nil {
		// Leave unacked; the visibility timeout will redeliver.
		logger.Warn("blob fetch failed", zap.Error(err))
		return
	}

	page, err := fetch.ExtractPage(notice.URL, body)
	if err != nil {
		logger.Warn("text extraction failed", zap.Error(err))
		w.ack(ctx, msg.Receipt)
		return
	}

	w.deps.Index.AddDocument(Document{URL: notice.URL, Title: page.Title, Text: page.Text})
	w.ack(ctx, msg.Receipt)

	w.mu.Lock()
	w.counters.Indexed++
	w.mu.Unlock()
	w.deps.Emitter.Emit(progress.Event{
		Kind: progress.KindDocIndexed,
		TS:   w.deps.Clock.Now(),
		URL:  notice.URL,
	})
}

func (w *Worker) ack(ctx context.Context, receipt string) {
	if err := w.deps.Pages.Ack(ctx, receipt); err != nil && ctx.Err() == nil {
		w.deps.Logger.Warn("page notice ack failed", zap.Error(err))
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	w.beat(ctx)
	for {
		select {
		case <-ticker.C:
			w.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	if w.deps.Master == nil {
		return
	}
	hb := crawl.Heartbeat{
		WorkerID: w.cfg.ID,
		Role:     crawl.RoleIndexer,
		Counters: w.Counters(),
		SentAt:   w.deps.Clock.Now(),
	}
	if err := w.deps.Master.SendHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
		w.deps.Logger.Warn("heartbeat failed", zap.Error(err))
	}
}

func (w *Worker) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.snapshot(ctx)
		case <-ctx.Done():
			// A final snapshot on the way out keeps restarts warm.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.snapshot(shutdownCtx)
			cancel()
			return
		}
	}
}

func (w *Worker) snapshot(ctx context.Context) {
	data, err := w.deps.Index.Snapshot()
	if err != nil {
		w.deps.Logger.Error("index snapshot failed", zap.Error(err))
		return
	}
	if _, err := w.deps.Store.Put(ctx, w.cfg.SnapshotKey, "application/json", data); err != nil {
		w.deps.Logger.Warn("index snapshot upload failed",
			zap.String("key", w.cfg.SnapshotKey), zap.Error(err))
		return
	}
	w.deps.Logger.Debug("index snapshot stored",
		zap.String("key", w.cfg.SnapshotKey), zap.Int("docs", w.deps.Index.DocCount()))
}

// Counters returns a copy of the worker's cumulative counters.
func (w *Worker) Counters() crawl.WorkerCounters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}
