// Package circuitbreaker trips per-provider breakers on sustained upstream
// failure. A tripped breaker fails invocations immediately instead of letting
// every caller ride out a full upstream timeout against a provider that is
// already known to be down.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed passes all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen admits a single probe request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning.
type Config struct {
	ErrorThreshold float64       // weighted error rate that trips the breaker
	MinSamples     int           // requests required in the window before tripping
	Window         time.Duration // sampling period, capped at one minute
	OpenTimeout    time.Duration // time spent open before probing again
}

// DefaultConfig trips at a 30% weighted error rate over one minute and
// probes 30 seconds after opening.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		Window:         time.Minute,
		OpenTimeout:    30 * time.Second,
	}
}

// Breaker is the state machine guarding one provider.
type Breaker struct {
	mu          sync.Mutex
	state       State
	window      window
	openedAt    time.Time
	lastUsed    time.Time
	probing     bool
	threshold   float64
	minSamples  int
	openTimeout time.Duration
	now         func() time.Time
}

// NewBreaker returns a closed breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	b := &Breaker{
		state:       StateClosed,
		window:      newWindow(int(cfg.Window / time.Second)),
		threshold:   cfg.ErrorThreshold,
		minSamples:  cfg.MinSamples,
		openTimeout: cfg.OpenTimeout,
		now:         time.Now,
	}
	b.lastUsed = b.now()
	return b
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. An open breaker past its
// timeout flips to half-open and admits the calling request as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful invocation. A successful half-open probe
// closes the breaker and clears its window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now
	b.window.record(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.window.reset()
	}
}

// RecordError notes a failed invocation with the given weight. A failed
// half-open probe reopens immediately; a closed breaker opens once the
// windowed rate crosses the threshold with enough samples behind it.
func (b *Breaker) RecordError(weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now
	b.window.record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.errorRate(now)
		if samples >= b.minSamples && rate >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// LastUsed returns the time of last activity, for stale eviction.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
