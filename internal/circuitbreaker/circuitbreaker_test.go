package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		Window:         time.Minute,
		OpenTimeout:    30 * time.Second,
	}
}

// newTestBreaker returns a breaker on a manual clock. Advance it through the
// returned pointer.
func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	b := NewBreaker(cfg)
	b.now = func() time.Time { return *clock }
	b.lastUsed = now
	return b, clock
}

func TestWindowErrorRate(t *testing.T) {
	t.Parallel()
	w := newWindow(60)
	now := time.Now()

	for range 7 {
		w.record(0, now)
	}
	for range 3 {
		w.record(1.0, now)
	}

	rate, samples := w.errorRate(now)
	if samples != 10 {
		t.Fatalf("samples = %d, want 10", samples)
	}
	if rate < 0.29 || rate > 0.31 {
		t.Fatalf("rate = %f, want ~0.30", rate)
	}
}

func TestWindowExpiry(t *testing.T) {
	t.Parallel()
	w := newWindow(5)
	base := time.Now()

	w.record(1.0, base)

	rate, samples := w.errorRate(base.Add(6 * time.Second))
	if samples != 0 || rate != 0 {
		t.Fatalf("after expiry: samples=%d rate=%f, want 0/0", samples, rate)
	}
}

func TestWindowReset(t *testing.T) {
	t.Parallel()
	w := newWindow(60)
	now := time.Now()
	for range 20 {
		w.record(1.0, now)
	}
	w.reset()

	rate, samples := w.errorRate(now)
	if samples != 0 || rate != 0 {
		t.Fatalf("after reset: samples=%d rate=%f, want 0/0", samples, rate)
	}
}

func TestWindowSizeClamped(t *testing.T) {
	t.Parallel()
	for _, seconds := range []int{0, -1, 100} {
		if w := newWindow(seconds); w.size != 60 {
			t.Errorf("newWindow(%d).size = %d, want 60", seconds, w.size)
		}
	}
}

func TestBreakerClosedAllows(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(testConfig())
	if !b.Allow() {
		t.Fatal("closed breaker rejected")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerOpensOnThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(testConfig())

	// 7 successes + 3 full-weight errors hit the 30% trip point exactly.
	for range 7 {
		b.RecordSuccess()
	}
	for range 3 {
		b.RecordError(1.0)
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a request")
	}
}

func TestBreakerMinSamples(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(testConfig())

	// 9 samples at a 100% error rate stay below the 10-sample floor.
	for range 9 {
		b.RecordError(1.0)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed below sample floor", b.State())
	}
}

func TestBreakerProbeSuccess(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(testConfig())

	for range 10 {
		b.RecordError(1.0)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	*clock = clock.Add(31 * time.Second)

	if !b.Allow() {
		t.Fatal("probe rejected after open timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	if b.Allow() {
		t.Fatal("second request admitted while probe in flight")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after probe success", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker rejected after recovery")
	}
}

func TestBreakerProbeFailure(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(testConfig())

	for range 10 {
		b.RecordError(1.0)
	}
	*clock = clock.Add(31 * time.Second)

	if !b.Allow() {
		t.Fatal("probe rejected")
	}
	b.RecordError(1.0)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", b.State())
	}

	// The open timeout restarts from the failed probe.
	*clock = clock.Add(29 * time.Second)
	if b.Allow() {
		t.Fatal("reopened breaker admitted a request early")
	}
}

func TestBreakerWeightedErrors(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(testConfig())

	// 4 throttles at half weight over 10 requests is 20%, under threshold.
	for range 6 {
		b.RecordSuccess()
	}
	for range 4 {
		b.RecordError(0.5)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed at 20%%", b.State())
	}

	// Two timeouts at 1.5 push the rate to (2+3)/12 = 41.7%.
	for range 2 {
		b.RecordError(1.5)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open at 41.7%%", b.State())
	}
}

func TestBreakerZeroWeightNeverTrips(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(testConfig())

	for range 20 {
		b.RecordError(0)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed for caller-fault errors", b.State())
	}
}

func TestBreakerConcurrent(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Config{
		ErrorThreshold: 0.50,
		MinSamples:     100,
		Window:         time.Minute,
		OpenTimeout:    time.Millisecond,
	})

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 100 {
				b.Allow()
				b.RecordSuccess()
				b.RecordError(0.5)
				_ = b.State()
				_ = b.LastUsed()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
