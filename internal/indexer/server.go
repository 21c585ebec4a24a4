package indexer

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SearchServer serves ranked queries against a shard. Queries run against
// the live index; background snapshots never block them.
type SearchServer struct {
	router chi.Router
	index  *Index
	logger *zap.Logger
}

// NewSearchServer builds the search API over idx.
func NewSearchServer(idx *Index, logger *zap.Logger) *SearchServer {
	s := &SearchServer{index: idx, logger: logger}
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/v1/search", s.search)
	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *SearchServer) Handler() http.Handler {
	return s.router
}

func (s *SearchServer) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// search handles GET /v1/search?q=terms&mode=and|or&limit=n.
func (s *SearchServer) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	mode := ModeOr
	switch r.URL.Query().Get("mode") {
	case "", "or":
	case "and":
		mode = ModeAnd
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be and or or"})
		return
	}

	results := s.index.Search(q, mode)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if len(results) > limit {
			results = results[:limit]
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"mode":    string(mode),
		"results": results,
	})
}

func (s *SearchServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write search response failed", zap.Error(err))
	}
}
