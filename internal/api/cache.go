package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/runbox/internal/cache"
)

type listCacheResponse struct {
	Stats   cache.Stats       `json:"stats"`
	Entries []cache.EntryInfo `json:"entries"`
}

func (s *Server) handleListCache(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, listCacheResponse{
		Stats:   s.cache.Stats(),
		Entries: s.cache.Entries(),
	})
}

// handlePurgeCache deletes one idle cache entry. Entries leased by a running
// execution are refused with 409.
func (s *Server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	err := s.cache.Purge(key)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "cache entry not found")
	case errors.Is(err, cache.ErrEntryBusy):
		s.writeError(w, http.StatusConflict, "cache entry is in use")
	case err != nil:
		s.logger.Error("purge cache entry", "cache_key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to purge cache entry")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleEvictCache runs a synchronous eviction pass and reports what it did.
func (s *Server) handleEvictCache(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.EvictIfOverLimit())
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Sandboxes().List())
}
