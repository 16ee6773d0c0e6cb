package worker

import (
	"context"
	"log/slog"
	"time"
)

const refreshEvery = time.Minute

// Refreshable rebuilds a snapshot from storage.
type Refreshable interface {
	Refresh(ctx context.Context) error
}

// CatalogRefresher re-snapshots the catalog on a fixed cadence so rotated
// *_env secrets and out-of-band storage edits show up without a restart.
// Admin mutations refresh synchronously; this is the backstop.
type CatalogRefresher struct {
	catalog Refreshable
	logger  *slog.Logger
}

// NewCatalogRefresher creates a refresher worker. logger may be nil.
func NewCatalogRefresher(catalog Refreshable, logger *slog.Logger) *CatalogRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogRefresher{catalog: catalog, logger: logger}
}

// Name returns the worker identifier.
func (c *CatalogRefresher) Name() string { return "catalog-refresher" }

// Run refreshes every minute until ctx is cancelled. A failed refresh keeps
// the previous snapshot in service, so it is logged and retried, never fatal.
func (c *CatalogRefresher) Run(ctx context.Context) error {
	tick := time.NewTicker(refreshEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := c.catalog.Refresh(ctx); err != nil {
				c.logger.Warn("catalog refresh failed", "error", err)
			}
		}
	}
}
