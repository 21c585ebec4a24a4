package master

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/metrics"
	"github.com/mazen4bs/crawlgrid/internal/progress"
)

// Liveness is the failure detector's view of one worker.
type Liveness string

// Detector states. DEAD workers are removed rather than kept, so the value
// never appears in views; the cumulative dead count does.
const (
	LivenessAlive   Liveness = "ALIVE"
	LivenessSuspect Liveness = "SUSPECT_DEAD"
)

// MonitorConfig tunes the failure detector. Timeout must exceed the longest
// single task plus one heartbeat interval; config.Validate enforces that.
type MonitorConfig struct {
	// Timeout is the silence after which a worker becomes suspect.
	Timeout time.Duration
	// Grace is the additional silence before a suspect is declared dead.
	Grace time.Duration
	// CheckInterval is the sweep cadence. Defaults to Timeout/4.
	CheckInterval time.Duration
}

// MonitorDeps are the monitor's collaborators.
type MonitorDeps struct {
	Clock   crawl.Clock
	Logger  *zap.Logger
	Emitter progress.Emitter
	// OnDead releases a dead worker's tasks; returns how many were
	// released. Wired to Frontier.ReleaseWorker.
	OnDead func(ctx context.Context, workerID string) int
}

type workerState struct {
	role     crawl.WorkerRole
	liveness Liveness
	lastSeen time.Time
	counters crawl.WorkerCounters
}

// Monitor is a timer-driven failure detector over worker heartbeats. A
// heartbeat always resets its worker to ALIVE; a worker silent past
// Timeout+Grace is declared dead exactly once and its tasks released.
type Monitor struct {
	cfg  MonitorConfig
	deps MonitorDeps

	mu      sync.Mutex
	workers map[string]*workerState
	dead    int
}

// NewMonitor builds a Monitor.
func NewMonitor(cfg MonitorConfig, deps MonitorDeps) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = cfg.Timeout / 4
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	return &Monitor{cfg: cfg, deps: deps, workers: make(map[string]*workerState)}
}

// Observe records a heartbeat. First contact registers the worker; any
// heartbeat, however late, resets it to ALIVE and cancels a pending death.
func (m *Monitor) Observe(hb crawl.Heartbeat) {
	now := m.deps.Clock.Now()
	m.mu.Lock()
	w, ok := m.workers[hb.WorkerID]
	if !ok {
		w = &workerState{role: hb.Role}
		m.workers[hb.WorkerID] = w
		m.deps.Logger.Info("worker registered",
			zap.String("worker_id", hb.WorkerID), zap.String("role", string(hb.Role)))
	}
	if w.liveness == LivenessSuspect {
		m.deps.Logger.Info("suspect worker recovered", zap.String("worker_id", hb.WorkerID))
	}
	w.liveness = LivenessAlive
	w.lastSeen = now
	w.counters = hb.Counters
	m.mu.Unlock()

	metrics.ObserveHeartbeat(string(hb.Role))
}

// Run sweeps worker liveness until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	m.deps.Logger.Info("heartbeat monitor started",
		zap.Duration("timeout", m.cfg.Timeout), zap.Duration("grace", m.cfg.Grace))
	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			m.deps.Logger.Info("heartbeat monitor stopped")
			return
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := m.deps.Clock.Now()
	var declared []string

	m.mu.Lock()
	live := make(map[crawl.WorkerRole]int)
	for id, w := range m.workers {
		silence := now.Sub(w.lastSeen)
		switch {
		case silence > m.cfg.Timeout+m.cfg.Grace:
			delete(m.workers, id)
			m.dead++
			declared = append(declared, id)
		case silence > m.cfg.Timeout:
			if w.liveness == LivenessAlive {
				w.liveness = LivenessSuspect
				m.deps.Logger.Warn("worker suspected dead",
					zap.String("worker_id", id), zap.Duration("silence", silence))
			}
			live[w.role]++
		default:
			live[w.role]++
		}
	}
	m.mu.Unlock()

	metrics.SetLiveWorkers(string(crawl.RoleCrawler), live[crawl.RoleCrawler])
	metrics.SetLiveWorkers(string(crawl.RoleIndexer), live[crawl.RoleIndexer])

	for _, id := range declared {
		released := 0
		if m.deps.OnDead != nil {
			released = m.deps.OnDead(ctx, id)
		}
		m.deps.Logger.Warn("worker declared dead",
			zap.String("worker_id", id), zap.Int("tasks_released", released))
		m.deps.Emitter.Emit(progress.Event{
			Kind:     progress.KindWorkerDead,
			TS:       now,
			WorkerID: id,
		})
	}
}

// Views reports registered workers for stats, sorted by id. taskCounts maps
// worker id to currently held tasks (from Frontier.TaskCounts).
func (m *Monitor) Views(taskCounts map[string]int) []crawl.WorkerView {
	m.mu.Lock()
	out := make([]crawl.WorkerView, 0, len(m.workers))
	for id, w := range m.workers {
		out = append(out, crawl.WorkerView{
			WorkerID:  id,
			Role:      w.role,
			Liveness:  string(w.liveness),
			LastSeen:  w.lastSeen,
			Counters:  w.counters,
			TaskCount: taskCounts[id],
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// DeadCount is the cumulative number of death declarations.
func (m *Monitor) DeadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}
