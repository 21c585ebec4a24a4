// Package metrics exposes Prometheus collectors for the crawlgrid services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	urlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_urls_total",
			Help: "URLs reaching a terminal state, labeled by state.",
		},
		[]string{"state"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgrid_frontier_queue_depth",
			Help: "Number of URLs currently queued in the frontier.",
		},
	)

	liveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlgrid_live_workers",
			Help: "Registered workers considered alive, labeled by role.",
		},
		[]string{"role"},
	)

	requeuedTasksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_requeued_tasks_total",
			Help: "Tasks returned to the queue after a worker death.",
		},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlgrid_fetch_duration_seconds",
			Help:    "Histogram of page fetch latencies, labeled by status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"status"},
	)

	indexedDocsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_indexed_documents_total",
			Help: "Documents merged into an indexer shard.",
		},
	)

	robotsFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_robots_fetches_total",
			Help: "robots.txt fetch attempts, labeled by result.",
		},
		[]string{"result"},
	)

	policyDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_policy_decisions_total",
			Help: "Crawl policy decisions, labeled by verdict.",
		},
		[]string{"verdict"},
	)

	deadWorkersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_dead_workers_total",
			Help: "Workers declared dead by the heartbeat monitor.",
		},
	)

	heartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_heartbeats_total",
			Help: "Heartbeats received, labeled by role.",
		},
		[]string{"role"},
	)

	assignmentWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawlgrid_assignment_wait_seconds",
			Help:    "Time tasks spend queued before assignment.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
)

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTerminalURL counts a URL reaching a terminal state.
func ObserveTerminalURL(state string) {
	urlsTotal.WithLabelValues(state).Inc()
}

// SetQueueDepth records the frontier's current queued count.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetLiveWorkers records the number of live workers for a role.
func SetLiveWorkers(role string, n int) {
	liveWorkers.WithLabelValues(role).Set(float64(n))
}

// ObserveRequeue counts one task released back to the queue.
func ObserveRequeue() {
	requeuedTasksTotal.Inc()
}

// ObserveFetch records a page fetch latency under its status class.
func ObserveFetch(statusClass string, d time.Duration) {
	fetchDurationSeconds.WithLabelValues(statusClass).Observe(d.Seconds())
}

// ObserveIndexedDoc counts one document merged into an index shard.
func ObserveIndexedDoc() {
	indexedDocsTotal.Inc()
}

// ObserveRobotsFetch counts a robots.txt fetch attempt by result.
func ObserveRobotsFetch(result string) {
	robotsFetchesTotal.WithLabelValues(result).Inc()
}

// ObservePolicyDecision counts an allow/deny verdict.
func ObservePolicyDecision(verdict string) {
	policyDecisionsTotal.WithLabelValues(verdict).Inc()
}

// ObserveDeadWorker counts a death declaration.
func ObserveDeadWorker() {
	deadWorkersTotal.Inc()
}

// ObserveHeartbeat counts a received heartbeat for a role.
func ObserveHeartbeat(role string) {
	heartbeatsTotal.WithLabelValues(role).Inc()
}

// ObserveAssignmentWait records how long a task waited before hand-out.
func ObserveAssignmentWait(d time.Duration) {
	assignmentWaitSeconds.Observe(d.Seconds())
}
