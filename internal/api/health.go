package api

import (
	"net/http"
)

type cacheHealth struct {
	Entries    int   `json:"entries"`
	InUse      int   `json:"inUse"`
	TotalBytes int64 `json:"totalBytes"`
	LimitBytes int64 `json:"limitBytes"`
}

type healthResponse struct {
	Status         string       `json:"status"`
	Version        string       `json:"version"`
	AuthEnabled    bool         `json:"authEnabled"`
	DefaultTimeout int64        `json:"defaultTimeout"`
	Sandbox        string       `json:"sandbox,omitempty"`
	Cache          *cacheHealth `json:"cache,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Version:     s.version,
		AuthEnabled: s.auth.enabled(),
	}
	if s.engine != nil {
		resp.DefaultTimeout = s.engine.Config().DefaultTimeout.Milliseconds()
		resp.Sandbox = s.engine.Sandboxes().Default()
	}
	if s.cache != nil {
		st := s.cache.Stats()
		resp.Cache = &cacheHealth{
			Entries:    st.Entries,
			InUse:      st.InUse,
			TotalBytes: st.TotalBytes,
			LimitBytes: st.LimitBytes,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
