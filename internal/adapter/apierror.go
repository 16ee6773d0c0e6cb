package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	relay "github.com/modelrelay/relay/internal"
)

// APIError represents an error response from an upstream provider. It
// unwraps to the relay sentinel matching its status code, so handlers can
// map it without knowing which adapter produced it.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	kind       error
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap returns the relay sentinel for this class of upstream failure.
func (e *APIError) Unwrap() error { return e.kind }

// HTTPStatus returns the upstream status code for breaker classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// classifyStatus maps an upstream status onto the domain taxonomy. A 400
// means the caller's request was unacceptable after translation, a 404 an
// unknown remote model. Upstream auth and throttling failures are the
// gateway's problem, not the caller's, so they surface as upstream errors.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return relay.ErrBadRequest
	case code == http.StatusNotFound:
		return relay.ErrNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return relay.ErrUpstreamTimeout
	default:
		return relay.ErrUpstream
	}
}

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		kind:       classifyStatus(resp.StatusCode),
	}
}

// Rotatable reports whether the upstream rejection warrants advancing to the
// next configured key: it rejected this key, not the request.
func Rotatable(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// WrapTransport converts network-level errors into the domain taxonomy.
// Context cancellation passes through untouched: the caller went away and
// no status should be invented for them.
func WrapTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", provider, relay.ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %w", provider, relay.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", provider, relay.ErrUpstream, err)
}
