package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	relay "github.com/modelrelay/relay/internal"
)

// statusCoder is implemented by upstream API errors carrying the provider's
// HTTP status code.
type statusCoder interface {
	HTTPStatus() int
}

// Weight returns the error weight recorded against a provider's window.
//
//   - timeouts -> 1.5, they hold a caller for the full deadline
//   - 5xx and network failures -> 1.0
//   - 429 -> 0.5, the provider is alive but throttling
//   - other 4xx -> 0, the caller's fault, not the provider's
//   - caller cancellation and nil -> 0
func Weight(err error) float64 {
	if err == nil {
		return 0
	}

	// The caller hung up; the provider did nothing wrong.
	if errors.Is(err, context.Canceled) {
		return 0
	}

	if errors.Is(err, relay.ErrUpstreamTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return weightStatus(sc.HTTPStatus())
	}

	// Translation rejections and unknown remote models never carried an
	// upstream status; they are caller mistakes.
	if errors.Is(err, relay.ErrBadRequest) || errors.Is(err, relay.ErrNotFound) {
		return 0
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}
	return 1.0
}

func weightStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500 && code < 600:
		return 1.0
	default:
		return 0
	}
}
