package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/circuitbreaker"
	"github.com/modelrelay/relay/internal/ratelimit"
)

const (
	sweepInterval = time.Minute
	pruneInterval = time.Hour

	// Rate buckets and breakers idle longer than this are reclaimed.
	staleAfter = 30 * time.Minute
)

// Pruner deletes invocation rows older than a cutoff.
type Pruner interface {
	DeleteInvocationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MaintenanceOptions wires the stores the maintenance worker tends.
// Nil fields are skipped.
type MaintenanceOptions struct {
	Sessions *auth.SessionStore
	Limiter  *ratelimit.Registry
	Breakers *circuitbreaker.Registry
	Pruner   Pruner
	// Retention bounds invocation history; 0 keeps it forever.
	Retention time.Duration
	Logger    *slog.Logger
}

// Maintenance periodically sweeps expired sessions, evicts idle rate
// buckets and breakers, and prunes invocation history past retention.
type Maintenance struct {
	sessions  *auth.SessionStore
	limiter   *ratelimit.Registry
	breakers  *circuitbreaker.Registry
	pruner    Pruner
	retention time.Duration
	logger    *slog.Logger
}

// NewMaintenance creates a Maintenance worker.
func NewMaintenance(opts MaintenanceOptions) *Maintenance {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		sessions:  opts.Sessions,
		limiter:   opts.Limiter,
		breakers:  opts.Breakers,
		pruner:    opts.Pruner,
		retention: opts.Retention,
		logger:    logger,
	}
}

// Name returns the worker identifier.
func (m *Maintenance) Name() string { return "maintenance" }

// Run prunes once at startup, then sweeps every minute and prunes hourly
// until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	m.prune(ctx)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-sweep.C:
			m.sweep(ctx)
		case <-prune.C:
			m.prune(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Maintenance) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-staleAfter)
	var sessions, buckets, breakers int
	if m.sessions != nil {
		sessions = m.sessions.Sweep()
	}
	if m.limiter != nil {
		buckets = m.limiter.EvictStale(cutoff)
	}
	if m.breakers != nil {
		breakers = m.breakers.EvictStale(cutoff)
	}
	if sessions+buckets+breakers == 0 {
		return
	}
	m.logger.LogAttrs(ctx, slog.LevelDebug, "maintenance sweep",
		slog.Int("sessions", sessions),
		slog.Int("rate_buckets", buckets),
		slog.Int("breakers", breakers),
	)
}

func (m *Maintenance) prune(ctx context.Context) {
	if m.pruner == nil || m.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.retention)
	n, err := m.pruner.DeleteInvocationsBefore(ctx, cutoff)
	if err != nil {
		m.logger.LogAttrs(ctx, slog.LevelError, "history prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		m.logger.LogAttrs(ctx, slog.LevelInfo, "history pruned",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
}
