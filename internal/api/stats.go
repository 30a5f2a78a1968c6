package api

import (
	"net/http"

	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/engine"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int              `json:"total"`
	ByStatus      map[string]int   `json:"by_status"`
	BySandbox     map[string]int   `json:"by_sandbox"`
	ByErrorKind   map[string]int   `json:"by_error_kind"`
	AvgDurationMS float64          `json:"avg_duration_ms"`
	CacheHitRate  float64          `json:"cache_hit_rate"`
	Cache         cache.Stats      `json:"cache"`
	Workers       engine.PoolStats `json:"workers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		BySandbox:     stats.CountBySandbox,
		ByErrorKind:   stats.CountByErrorKind,
		AvgDurationMS: stats.AvgDurationMS,
		CacheHitRate:  stats.CacheHitRate,
		Cache:         s.cache.Stats(),
		Workers:       s.engine.Pool(),
	})
}
