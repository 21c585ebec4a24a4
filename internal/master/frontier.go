// Package master implements the coordination layer: the frontier that owns
// authoritative URL state, the heartbeat monitor that detects dead workers,
// and the HTTP API workers and dashboards talk to.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/metrics"
	"github.com/mazen4bs/crawlgrid/internal/policy"
	"github.com/mazen4bs/crawlgrid/internal/progress"
	"github.com/mazen4bs/crawlgrid/internal/queue"
)

// Sentinel errors callers branch on.
var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrUnknownTask   = errors.New("unknown task")
)

// Decider is the slice of the policy engine the frontier needs.
type Decider interface {
	Decide(ctx context.Context, rawURL string, depth int) (policy.Decision, error)
}

// Archiver persists terminal URL records off the hot path. Implemented by
// the postgres archive store; nil disables archiving.
type Archiver interface {
	RecordURL(ctx context.Context, rec crawl.URLRecord) error
	BumpDomainStats(ctx context.Context, domain string, succeeded bool, bytes int64, at time.Time) error
}

// Strategy orders a batch of newly admitted tasks before they reach the
// queue. The queue itself is FIFO, so the ordering of admission is the
// ordering of assignment.
type Strategy interface {
	Name() string
	Order(tasks []crawl.Task) []crawl.Task
}

// BreadthFirst admits shallower tasks first, which bounds frontier growth
// and spreads load across domains early. This is the default.
type BreadthFirst struct{}

// Name implements Strategy.
func (BreadthFirst) Name() string { return "breadth_first" }

// Order implements Strategy with a stable shallow-first sort.
func (BreadthFirst) Order(tasks []crawl.Task) []crawl.Task {
	out := make([]crawl.Task, len(tasks))
	copy(out, tasks)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Depth < out[j-1].Depth; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// FrontierConfig tunes the frontier.
type FrontierConfig struct {
	// RetryLimit bounds how many failures a URL absorbs before it goes
	// FAILED for good.
	RetryLimit int
	// AssignWait bounds how long one assignment request blocks on an
	// empty queue.
	AssignWait time.Duration
	// ArchiveTimeout bounds each background archive write.
	ArchiveTimeout time.Duration
}

// FrontierDeps are the frontier's collaborators.
type FrontierDeps struct {
	Queue   crawl.TaskQueue
	Policy  Decider
	Clock   crawl.Clock
	IDs     crawl.IDGenerator
	Logger  *zap.Logger
	Emitter progress.Emitter
	// Archive may be nil.
	Archive  Archiver
	Strategy Strategy
}

type entry struct {
	rec crawl.URLRecord
	// taskID is the ID of the live task for this URL while QUEUED or
	// IN_FLIGHT. Stale queue redeliveries carry an older ID and are
	// acked without effect.
	taskID string
}

type taskRef struct {
	url     string
	worker  string
	receipt string
}

type stateCounts struct {
	queued   int
	inFlight int
	done     int
	failed   int
	rejected int
	requeued int
}

// Frontier owns the authoritative URL state table. All mutation funnels
// through its methods; workers only ever see tasks and report results.
type Frontier struct {
	cfg  FrontierConfig
	deps FrontierDeps

	mu      sync.Mutex
	records map[string]*entry
	tasks   map[string]*taskRef
	counts  stateCounts
}

// NewFrontier builds an empty frontier.
func NewFrontier(cfg FrontierConfig, deps FrontierDeps) *Frontier {
	if cfg.AssignWait <= 0 {
		cfg.AssignWait = 5 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 5 * time.Second
	}
	if deps.Strategy == nil {
		deps.Strategy = BreadthFirst{}
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Frontier{
		cfg:     cfg,
		deps:    deps,
		records: make(map[string]*entry),
		tasks:   make(map[string]*taskRef),
	}
}

// SubmitSeed admits a seed URL at depth zero. Submitting the same seed twice
// returns the existing record unchanged.
func (f *Frontier) SubmitSeed(ctx context.Context, rawURL string) (crawl.URLRecord, error) {
	if _, err := crawl.Canonicalize(rawURL); err != nil {
		return crawl.URLRecord{}, fmt.Errorf("canonicalize seed %q: %w", rawURL, err)
	}
	recs, err := f.admit(ctx, []admission{{rawURL: rawURL, depth: 0}})
	if err != nil {
		return crawl.URLRecord{}, err
	}
	return recs[0], nil
}

type admission struct {
	rawURL string
	depth  int
}

// admit canonicalizes, deduplicates, policy-checks, and enqueues a batch of
// candidate URLs. Already-known URLs come back with their current record.
func (f *Frontier) admit(ctx context.Context, candidates []admission) ([]crawl.URLRecord, error) {
	now := f.deps.Clock.Now()
	out := make([]crawl.URLRecord, 0, len(candidates))
	var pending []crawl.Task

	for _, cand := range candidates {
		canonical, err := crawl.Canonicalize(cand.rawURL)
		if err != nil {
			// Extracted links can be junk; admission skips them.
			f.deps.Logger.Debug("skipping uncanonicalizable url",
				zap.String("url", cand.rawURL), zap.Error(err))
			continue
		}

		f.mu.Lock()
		if e, ok := f.records[canonical]; ok {
			out = append(out, e.rec)
			f.mu.Unlock()
			continue
		}
		f.mu.Unlock()

		// Policy decisions may fetch robots.txt; never hold the table
		// lock across them.
		decision, err := f.deps.Policy.Decide(ctx, canonical, cand.depth)
		if err != nil {
			return nil, fmt.Errorf("policy check %q: %w", canonical, err)
		}

		rec := crawl.URLRecord{
			URL:         canonical,
			Domain:      mustDomain(canonical),
			Depth:       cand.depth,
			LastUpdated: now,
		}

		f.mu.Lock()
		if e, ok := f.records[canonical]; ok {
			// Lost a race with a concurrent admission of the same URL.
			out = append(out, e.rec)
			f.mu.Unlock()
			continue
		}
		if !decision.Allowed {
			rec.State = crawl.StateRejected
			rec.RejectReason = string(decision.Reason)
			f.records[canonical] = &entry{rec: rec}
			f.counts.rejected++
			f.mu.Unlock()

			f.deps.Emitter.Emit(progress.Event{
				Kind: progress.KindURLRejected,
				TS:   now,
				URL:  canonical,
				Note: string(decision.Reason),
			})
			f.archiveRecord(rec)
			out = append(out, rec)
			continue
		}

		taskID, err := f.deps.IDs.NewID()
		if err != nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		rec.State = crawl.StateQueued
		f.records[canonical] = &entry{rec: rec, taskID: taskID}
		f.counts.queued++
		f.mu.Unlock()

		pending = append(pending, crawl.Task{
			ID:       taskID,
			URL:      canonical,
			Depth:    cand.depth,
			Enqueued: now,
		})
		out = append(out, rec)
	}

	ordered := f.deps.Strategy.Order(pending)
	for i, task := range ordered {
		if err := f.enqueueTask(ctx, task); err != nil {
			// Records whose tasks never reached the queue must not
			// linger QUEUED; dropping them lets a later submission
			// re-admit the URL.
			f.rollbackAdmissions(ordered[i:])
			return nil, err
		}
	}
	f.publishQueueDepth()
	return out, nil
}

func (f *Frontier) rollbackAdmissions(tasks []crawl.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range tasks {
		e, ok := f.records[task.URL]
		if !ok || e.taskID != task.ID || e.rec.State != crawl.StateQueued {
			continue
		}
		delete(f.records, task.URL)
		f.counts.queued--
		f.deps.Logger.Warn("rolled back admission after enqueue failure",
			zap.String("url", task.URL))
	}
}

func (f *Frontier) enqueueTask(ctx context.Context, task crawl.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	if err := f.deps.Queue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// DequeueAssignment hands the requesting worker the next task. It returns
// ok=false when the queue stays empty for the configured wait. Stale
// redeliveries of already-settled tasks are acked and skipped; a redelivery
// of the live task of an IN_FLIGHT record means the holder's lease expired,
// and the task moves to the requesting worker.
func (f *Frontier) DequeueAssignment(ctx context.Context, workerID string) (crawl.Task, bool, error) {
	if workerID == "" {
		return crawl.Task{}, false, ErrUnknownWorker
	}
	for {
		msg, err := f.deps.Queue.Dequeue(ctx, f.cfg.AssignWait)
		if errors.Is(err, queue.ErrEmpty) {
			return crawl.Task{}, false, nil
		}
		if err != nil {
			return crawl.Task{}, false, fmt.Errorf("dequeue assignment: %w", err)
		}

		var task crawl.Task
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			f.deps.Logger.Warn("dropping undecodable task payload", zap.Error(err))
			_ = f.deps.Queue.Ack(ctx, msg.Receipt)
			continue
		}

		f.mu.Lock()
		e, ok := f.records[task.URL]
		if !ok || e.taskID != task.ID || e.rec.State.Terminal() {
			f.mu.Unlock()
			// Redelivery of a task that was already settled or
			// superseded by a re-queue.
			_ = f.deps.Queue.Ack(ctx, msg.Receipt)
			continue
		}
		now := f.deps.Clock.Now()
		staleOwner := ""
		if e.rec.State == crawl.StateInFlight {
			// The live task came back from the queue: the holder's
			// lease expired without a report, so the holder is gone
			// even if the monitor never saw it heartbeat. Hand the
			// task to the requesting worker instead.
			staleOwner = e.rec.AssignedTo
			f.counts.requeued++
		} else {
			f.counts.queued--
			f.counts.inFlight++
		}
		e.rec.State = crawl.StateInFlight
		e.rec.AssignedTo = workerID
		e.rec.LastUpdated = now
		f.tasks[task.ID] = &taskRef{url: task.URL, worker: workerID, receipt: msg.Receipt}
		f.mu.Unlock()

		if staleOwner != "" {
			f.deps.Logger.Warn("reassigning expired lease",
				zap.String("url", task.URL),
				zap.String("stale_worker", staleOwner),
				zap.String("worker_id", workerID))
			f.deps.Emitter.Emit(progress.Event{
				Kind:     progress.KindTaskRequeued,
				TS:       now,
				URL:      task.URL,
				WorkerID: staleOwner,
				Note:     "lease expired",
			})
		}
		metrics.ObserveAssignmentWait(now.Sub(task.Enqueued))
		f.publishQueueDepth()
		return task, true, nil
	}
}

// ReportResult settles an in-flight task. Success marks the URL DONE and
// admits its extracted links at depth+1; failure re-queues under the retry
// budget or marks FAILED; a policy rejection at fetch time marks REJECTED.
// Reports for already-settled tasks are no-ops, since queue delivery is
// at-least-once.
func (f *Frontier) ReportResult(ctx context.Context, workerID string, res crawl.Result) error {
	now := f.deps.Clock.Now()

	f.mu.Lock()
	ref, ok := f.tasks[res.TaskID]
	if !ok {
		e, known := f.records[res.URL]
		f.mu.Unlock()
		if known && e.rec.State.Terminal() {
			// Duplicate report after the task settled.
			return nil
		}
		return fmt.Errorf("task %s: %w", res.TaskID, ErrUnknownTask)
	}
	if ref.worker != workerID {
		f.mu.Unlock()
		return fmt.Errorf("task %s is owned by %s, not %s: %w", res.TaskID, ref.worker, workerID, ErrUnknownWorker)
	}

	e := f.records[ref.url]
	delete(f.tasks, res.TaskID)
	receipt := ref.receipt
	f.counts.inFlight--

	var (
		retryTask *crawl.Task
		event     progress.Event
		depth     = e.rec.Depth
		terminal  bool
	)
	switch res.Outcome {
	case crawl.OutcomeSuccess:
		e.rec.State = crawl.StateDone
		e.rec.AssignedTo = ""
		e.rec.Bytes = res.Bytes
		e.taskID = ""
		f.counts.done++
		terminal = true
		event = progress.Event{Kind: progress.KindURLDone, TS: now, URL: ref.url}

	case crawl.OutcomeRejected:
		e.rec.State = crawl.StateRejected
		e.rec.AssignedTo = ""
		e.rec.RejectReason = res.RejectReason
		e.taskID = ""
		f.counts.rejected++
		terminal = true
		event = progress.Event{Kind: progress.KindURLRejected, TS: now, URL: ref.url, Note: res.RejectReason}

	case crawl.OutcomeFailure:
		e.rec.Attempts++
		if e.rec.Attempts < f.cfg.RetryLimit {
			taskID, err := f.deps.IDs.NewID()
			if err != nil {
				f.mu.Unlock()
				return fmt.Errorf("generate retry task id: %w", err)
			}
			e.rec.State = crawl.StateQueued
			e.rec.AssignedTo = ""
			e.taskID = taskID
			f.counts.queued++
			retryTask = &crawl.Task{ID: taskID, URL: ref.url, Depth: depth, Enqueued: now}
			event = progress.Event{Kind: progress.KindTaskRequeued, TS: now, URL: ref.url, Note: res.ErrorText}
		} else {
			e.rec.State = crawl.StateFailed
			e.rec.AssignedTo = ""
			e.taskID = ""
			f.counts.failed++
			terminal = true
			event = progress.Event{Kind: progress.KindURLFailed, TS: now, URL: ref.url, Note: res.ErrorText}
		}

	default:
		f.mu.Unlock()
		return fmt.Errorf("unknown outcome %q for task %s", res.Outcome, res.TaskID)
	}
	e.rec.LastUpdated = now
	rec := e.rec
	f.mu.Unlock()

	if err := f.deps.Queue.Ack(ctx, receipt); err != nil {
		f.deps.Logger.Warn("ack after report failed", zap.String("task_id", res.TaskID), zap.Error(err))
	}
	if retryTask != nil {
		if err := f.enqueueTask(ctx, *retryTask); err != nil {
			// The retry never reached the queue; settle the URL as
			// FAILED rather than leave it QUEUED with no task behind
			// it.
			f.failLostRetry(*retryTask, res.ErrorText)
			return err
		}
	}
	if terminal {
		f.archiveRecord(rec)
	}
	f.deps.Emitter.Emit(event)

	if res.Outcome == crawl.OutcomeSuccess && len(res.Links) > 0 {
		candidates := make([]admission, 0, len(res.Links))
		for _, link := range res.Links {
			candidates = append(candidates, admission{rawURL: link, depth: depth + 1})
		}
		if _, err := f.admit(ctx, candidates); err != nil {
			return fmt.Errorf("admit extracted links of %s: %w", ref.url, err)
		}
	}
	f.publishQueueDepth()
	return nil
}

// failLostRetry settles a URL as FAILED after its retry task could not be
// enqueued.
func (f *Frontier) failLostRetry(task crawl.Task, errText string) {
	now := f.deps.Clock.Now()
	f.mu.Lock()
	e, ok := f.records[task.URL]
	if !ok || e.taskID != task.ID || e.rec.State != crawl.StateQueued {
		f.mu.Unlock()
		return
	}
	e.rec.State = crawl.StateFailed
	e.rec.AssignedTo = ""
	e.rec.LastUpdated = now
	e.taskID = ""
	f.counts.queued--
	f.counts.failed++
	rec := e.rec
	f.mu.Unlock()

	f.deps.Logger.Error("failing url after lost re-enqueue", zap.String("url", task.URL))
	f.archiveRecord(rec)
	f.deps.Emitter.Emit(progress.Event{
		Kind: progress.KindURLFailed,
		TS:   now,
		URL:  task.URL,
		Note: errText,
	})
}

// ReleaseWorker returns every task assigned to workerID to QUEUED. Called by
// the heartbeat monitor on a death declaration; releasing a worker that
// holds nothing is a no-op, which keeps the declaration idempotent.
func (f *Frontier) ReleaseWorker(ctx context.Context, workerID string) int {
	now := f.deps.Clock.Now()

	type release struct {
		receipt string
		task    crawl.Task
	}
	var releases []release

	f.mu.Lock()
	for taskID, ref := range f.tasks {
		if ref.worker != workerID {
			continue
		}
		e := f.records[ref.url]
		if e == nil || e.rec.State != crawl.StateInFlight {
			delete(f.tasks, taskID)
			continue
		}
		newID, err := f.deps.IDs.NewID()
		if err != nil {
			f.deps.Logger.Error("generate re-queue task id", zap.Error(err))
			continue
		}
		e.rec.State = crawl.StateQueued
		e.rec.AssignedTo = ""
		e.rec.LastUpdated = now
		e.taskID = newID
		f.counts.inFlight--
		f.counts.queued++
		f.counts.requeued++
		delete(f.tasks, taskID)
		releases = append(releases, release{
			receipt: ref.receipt,
			task:    crawl.Task{ID: newID, URL: ref.url, Depth: e.rec.Depth, Enqueued: now},
		})
	}
	f.mu.Unlock()

	for _, rel := range releases {
		// Remove the dead worker's lease so the old message cannot come
		// back alongside the fresh one.
		if err := f.deps.Queue.Ack(ctx, rel.receipt); err != nil {
			f.deps.Logger.Warn("ack released lease failed", zap.Error(err))
		}
		if err := f.enqueueTask(ctx, rel.task); err != nil {
			f.deps.Logger.Error("re-enqueue released task failed",
				zap.String("url", rel.task.URL), zap.Error(err))
			f.failLostRetry(rel.task, err.Error())
			continue
		}
		f.deps.Emitter.Emit(progress.Event{
			Kind:     progress.KindTaskRequeued,
			TS:       now,
			URL:      rel.task.URL,
			WorkerID: workerID,
		})
	}
	f.publishQueueDepth()
	return len(releases)
}

// Record returns the current record for a canonical URL.
func (f *Frontier) Record(rawURL string) (crawl.URLRecord, bool) {
	canonical, err := crawl.Canonicalize(rawURL)
	if err != nil {
		return crawl.URLRecord{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.records[canonical]
	if !ok {
		return crawl.URLRecord{}, false
	}
	return e.rec, true
}

// TaskCounts reports how many tasks each worker currently holds.
func (f *Frontier) TaskCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, ref := range f.tasks {
		out[ref.worker]++
	}
	return out
}

// Snapshot returns the frontier's counters. It copies a handful of ints
// under the lock; the assignment and reporting paths never wait on readers.
func (f *Frontier) Snapshot() crawl.StatsSnapshot {
	f.mu.Lock()
	counts := f.counts
	total := len(f.records)
	f.mu.Unlock()
	return crawl.StatsSnapshot{
		Queued:    counts.queued,
		InFlight:  counts.inFlight,
		Done:      counts.done,
		Failed:    counts.failed,
		Rejected:  counts.rejected,
		Requeued:  counts.requeued,
		TotalSeen: total,
		TakenAt:   f.deps.Clock.Now(),
	}
}

func (f *Frontier) publishQueueDepth() {
	f.mu.Lock()
	depth := f.counts.queued
	f.mu.Unlock()
	metrics.SetQueueDepth(depth)
}

// archiveRecord writes a terminal record to the archive store in the
// background. Archive failures are logged, never surfaced to workers.
func (f *Frontier) archiveRecord(rec crawl.URLRecord) {
	if f.deps.Archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ArchiveTimeout)
		defer cancel()
		if err := f.deps.Archive.RecordURL(ctx, rec); err != nil {
			f.deps.Logger.Warn("archive url record failed", zap.String("url", rec.URL), zap.Error(err))
			return
		}
		if err := f.deps.Archive.BumpDomainStats(ctx, rec.Domain, rec.State == crawl.StateDone, rec.Bytes, rec.LastUpdated); err != nil {
			f.deps.Logger.Warn("archive domain stats failed", zap.String("domain", rec.Domain), zap.Error(err))
		}
	}()
}

func mustDomain(canonical string) string {
	d, err := crawl.Domain(canonical)
	if err != nil {
		return ""
	}
	return d
}
