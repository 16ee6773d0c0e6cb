package relay

import "errors"

// Sentinel errors for the relay domain. Handlers map these onto HTTP
// statuses; everything else is an internal error.
var (
	ErrBadRequest       = errors.New("bad request")
	ErrAuthRequired     = errors.New("authentication required")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstream         = errors.New("upstream error")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Kind names the taxonomy class of err, for error payloads and metric
// labels. Unrecognized errors are internal.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad-request"
	case errors.Is(err, ErrAuthRequired):
		return "auth-required"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream-timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream-error"
	case errors.Is(err, ErrStoreUnavailable):
		return "store-unavailable"
	default:
		return "internal-error"
	}
}
