package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	relay "github.com/modelrelay/relay/internal"
)

// statusErr mimics an upstream API error carrying a status code.
type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("HTTP %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func TestWeight(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want float64
	}{
		{"nil", nil, 0},
		{"caller canceled", context.Canceled, 0},
		{"upstream timeout sentinel", fmt.Errorf("openai: %w", relay.ErrUpstreamTimeout), 1.5},
		{"deadline exceeded", context.DeadlineExceeded, 1.5},
		{"throttled", &statusErr{429}, 0.5},
		{"server error", &statusErr{500}, 1.0},
		{"bad gateway", &statusErr{502}, 1.0},
		{"unavailable", &statusErr{503}, 1.0},
		{"upstream bad request", &statusErr{400}, 0},
		{"upstream unauthorized", &statusErr{401}, 0},
		{"bad request sentinel", fmt.Errorf("translate: %w", relay.ErrBadRequest), 0},
		{"not found sentinel", fmt.Errorf("model: %w", relay.ErrNotFound), 0},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, 1.0},
		{"generic upstream", fmt.Errorf("openai: %w", relay.ErrUpstream), 1.0},
		{"unknown error", errors.New("boom"), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Weight(tt.err); got != tt.want {
				t.Errorf("Weight(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWeightWrappedStatus(t *testing.T) {
	t.Parallel()
	// The status code wins even under wrapping.
	err := fmt.Errorf("invoke: %w", &statusErr{429})
	if got := Weight(err); got != 0.5 {
		t.Errorf("Weight = %v, want 0.5", got)
	}
}
