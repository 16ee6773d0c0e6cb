// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// ProviderStore manages provider catalog persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *relay.Provider) error
	GetProvider(ctx context.Context, name string) (*relay.Provider, error)
	ListProviders(ctx context.Context) ([]*relay.Provider, error)
	UpdateProvider(ctx context.Context, p *relay.Provider) error
	DeleteProvider(ctx context.Context, name string) error
}

// ModelStore manages model catalog persistence.
type ModelStore interface {
	CreateModel(ctx context.Context, m *relay.Model) error
	GetModel(ctx context.Context, provider, name string) (*relay.Model, error)
	ListModels(ctx context.Context) ([]*relay.Model, error)
	UpdateModel(ctx context.Context, m *relay.Model) error
	DeleteModel(ctx context.Context, provider, name string) error
}

// CredentialStore manages caller credential persistence.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *relay.Credential) error
	GetCredential(ctx context.Context, id string) (*relay.Credential, error)
	GetCredentialByName(ctx context.Context, name string) (*relay.Credential, error)
	ListCredentials(ctx context.Context) ([]*relay.Credential, error)
	UpdateCredential(ctx context.Context, c *relay.Credential) error
	DeleteCredential(ctx context.Context, id string) error
}

// InvocationFilter narrows invocation queries. Zero values mean "no filter".
type InvocationFilter struct {
	Provider string
	Model    string
	Status   string
	Since    time.Time
	Until    time.Time
	Offset   int
	Limit    int
}

// Statistics aggregates invocation history over a window.
type Statistics struct {
	TotalCalls    int64        `json:"total_calls"`
	SuccessCalls  int64        `json:"success_calls"`
	ErrorCalls    int64        `json:"error_calls"`
	SuccessRate   float64      `json:"success_rate"`
	TotalTokens   int64        `json:"total_tokens"`
	AvgDurationMs float64      `json:"avg_duration_ms"`
	TotalCost     float64      `json:"total_cost"`
	TopModels     []ModelUsage `json:"top_models"`
}

// ModelUsage is one row of the per-model leaderboard.
type ModelUsage struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	Calls         int64   `json:"calls"`
	SuccessCalls  int64   `json:"success_calls"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	TotalCost     float64 `json:"total_cost"`
}

// TimePoint is one bucket of a time-series aggregation.
type TimePoint struct {
	Bucket      time.Time `json:"bucket"`
	Calls       int64     `json:"calls"`
	Errors      int64     `json:"errors"`
	TotalTokens int64     `json:"total_tokens"`
}

// InvocationStore manages invocation record persistence.
type InvocationStore interface {
	InsertInvocations(ctx context.Context, records []relay.Invocation) error
	GetInvocation(ctx context.Context, id string) (*relay.Invocation, error)
	QueryInvocations(ctx context.Context, f InvocationFilter) ([]*relay.Invocation, int64, error)
	Stats(ctx context.Context, since time.Time, topN int) (*Statistics, error)
	TimeSeries(ctx context.Context, since time.Time, interval time.Duration) ([]TimePoint, error)
	DeleteInvocationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	ModelStore
	CredentialStore
	InvocationStore
	Close() error
}
