package server

import (
	"net/http"
	"time"
)

// healthResponse reports liveness plus enough catalog context to spot a
// gateway that is up but serving an empty or stale snapshot.
type healthResponse struct {
	Status         string    `json:"status"`
	Models         int       `json:"models"`
	Providers      int       `json:"providers"`
	CatalogRefresh time.Time `json:"catalog_refreshed_at"`
	StoreReachable bool      `json:"store_reachable"`
}

// handleHealth serves GET /health. A failing store ping degrades the status
// to 503; invocations would still work off the in-memory snapshot, but
// recording and admin would not.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		StoreReachable: true,
	}
	if s.deps.Catalog != nil {
		resp.Models = len(s.deps.Catalog.Models())
		resp.Providers = len(s.deps.Catalog.Providers())
		resp.CatalogRefresh = s.deps.Catalog.LastRefresh()
	}
	status := http.StatusOK
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.StoreReachable = false
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
