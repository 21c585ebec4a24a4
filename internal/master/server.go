package master

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/metrics"
)

// Server wires the master's HTTP API to the frontier and monitor.
type Server struct {
	router   chi.Router
	frontier *Frontier
	monitor  *Monitor
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(frontier *Frontier, monitor *Monitor, logger *zap.Logger) *Server {
	s := &Server{
		frontier: frontier,
		monitor:  monitor,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/seeds", s.submitSeeds)
		r.Get("/stats", s.getStats)
		r.Route("/workers/{worker_id}", func(r chi.Router) {
			r.Post("/assignment", s.dequeueAssignment)
			r.Post("/results", s.reportResult)
			r.Post("/heartbeat", s.heartbeat)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type seedRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) submitSeeds(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one url required")
		return
	}
	records := make([]crawl.URLRecord, 0, len(req.URLs))
	for _, raw := range req.URLs {
		rec, err := s.frontier.SubmitSeed(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"records": records})
}

func (s *Server) dequeueAssignment(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	task, ok, err := s.frontier.DequeueAssignment(r.Context(), workerID)
	if err != nil {
		if errors.Is(err, ErrUnknownWorker) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) reportResult(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	var res crawl.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.frontier.ReportResult(r.Context(), workerID, res); err != nil {
		switch {
		case errors.Is(err, ErrUnknownTask):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrUnknownWorker):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	var hb crawl.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if hb.WorkerID == "" {
		hb.WorkerID = workerID
	}
	if hb.WorkerID != workerID {
		writeError(w, http.StatusBadRequest, "worker id mismatch")
		return
	}
	s.monitor.Observe(hb)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	snap := s.frontier.Snapshot()
	snap.Workers = s.monitor.Views(s.frontier.TaskCounts())
	snap.DeadWorker = s.monitor.DeadCount()
	writeJSON(w, http.StatusOK, snap)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
