package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// maxBodyBytes is the maximum allowed JSON request body size (1 MB).
const maxBodyBytes = 1 << 20

// apiError is the uniform error payload: a message plus the taxonomy kind.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Kind    string `json:"kind"`
	} `json:"error"`
}

func errorBody(msg, kind string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Kind = kind
	return e
}

// errorStatus maps a domain error onto its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, relay.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, relay.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a domain error as JSON. Internal errors are logged and
// sanitized so storage and wiring details never reach the client.
func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	kind := relay.Kind(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		slog.Error("request failed", "error", msg, "kind", kind)
		msg = kind
	}
	writeJSON(w, status, errorBody(msg, kind))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body", "bad-request"))
		return false
	}
	return true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Total  int64 `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format. SQLite datetime() silently
// returns NULL on malformed strings, so rejecting upfront beats debugging
// empty result sets.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until time.Time, ok bool) {
	q := r.URL.Query()
	var err error
	if raw := q.Get("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid since format, use RFC3339", "bad-request"))
			return time.Time{}, time.Time{}, false
		}
	}
	if raw := q.Get("until"); raw != "" {
		if until, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid until format, use RFC3339", "bad-request"))
			return time.Time{}, time.Time{}, false
		}
	}
	return since, until, true
}
