package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/storage"
)

// statsCacheTTL bounds how stale the statistics endpoint may serve. Dashboard
// polling hits this endpoint hard; the aggregates do not move that fast.
const statsCacheTTL = 30 * time.Second

// handleQueryInvocations serves GET /monitor/invocations.
func (s *server) handleQueryInvocations(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	offset, limit := parsePagination(r)
	q := r.URL.Query()
	filter := storage.InvocationFilter{
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
		Status:   q.Get("status"),
		Since:    since,
		Until:    until,
		Offset:   offset,
		Limit:    limit,
	}
	records, total, err := s.deps.Store.QueryInvocations(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*relay.Invocation{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

// handleGetInvocation serves GET /monitor/invocations/{id}.
func (s *server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.deps.Store.GetInvocation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// parseHours returns the look-back window in hours (default 24, capped at a
// year so one typo cannot scan the whole table).
func parseHours(r *http.Request) int {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}
	if hours > 24*365 {
		hours = 24 * 365
	}
	return hours
}

// handleStatistics serves GET /monitor/statistics, cached for statsCacheTTL
// per (hours, top) combination.
func (s *server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	hours := parseHours(r)
	topN, _ := strconv.Atoi(r.URL.Query().Get("top"))
	if topN <= 0 || topN > 50 {
		topN = 10
	}

	key := "stats:" + strconv.Itoa(hours) + ":" + strconv.Itoa(topN)
	if s.deps.Cache != nil {
		if cached, ok := s.deps.Cache.Get(r.Context(), key); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.StatsCacheHits.Inc()
			}
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.StatsCacheMisses.Inc()
		}
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, err := s.deps.Store.Stats(r.Context(), since, topN)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := json.Marshal(stats)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Set(r.Context(), key, body, statsCacheTTL)
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleTimeSeries serves GET /monitor/time-series: per-interval call,
// error and token counts over the look-back window.
func (s *server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	hours := parseHours(r)
	interval := time.Hour
	if raw := r.URL.Query().Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < time.Minute {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid interval, use a duration of at least 1m", "bad-request"))
			return
		}
		interval = d
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	points, err := s.deps.Store.TimeSeries(r.Context(), since, interval)
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []storage.TimePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": points})
}
