// Package server implements the HTTP transport layer for the relay gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/cache"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/router"
	"github.com/modelrelay/relay/internal/storage"
	"github.com/modelrelay/relay/internal/telemetry"
)

// ReadyChecker reports whether the backing store is reachable.
type ReadyChecker func(ctx context.Context) error

// SessionManager issues and revokes login sessions.
type SessionManager interface {
	Login(ctx context.Context, secret string) (*auth.Session, error)
	Logout(token string) error
	Bind(token, provider, model string) error
}

// CredentialInvalidator drops cached credentials after admin mutations.
type CredentialInvalidator interface {
	InvalidateCredential(id string)
}

// Deps holds all dependencies for the HTTP server. Auth and Engine are
// required; nil optional fields disable their surface (e.g. a nil Gatherer
// leaves /metrics unmounted).
type Deps struct {
	Auth       relay.Authenticator
	Engine     *router.Engine
	Catalog    *catalog.Catalog
	Store      storage.Store         // admin CRUD + monitoring queries
	Sessions   SessionManager        // nil = auth endpoints unmounted
	Creds      *auth.Manager         // nil = api-key creation unavailable
	Invalidate CredentialInvalidator // nil = rely on auth cache TTL
	Cache      cache.Cache           // nil = statistics recomputed per request
	Metrics    *telemetry.Metrics    // nil = no request metrics
	Gatherer   prometheus.Gatherer   // nil = no /metrics endpoint
	ReadyCheck ReadyChecker          // nil = always healthy
	// RequestTimeout bounds a non-streaming invocation end to end; zero
	// means unbounded. Streams are bounded by the server write timeout.
	RequestTimeout time.Duration
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Login exchanges a credential secret for a session, so it sits outside
	// the authenticated group.
	if deps.Sessions != nil {
		r.Post("/auth/login", s.handleLogin)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// Invocation surface
		r.Post("/models/{provider}/{model}/invoke", s.handleDirectInvoke)
		r.Post("/route/invoke", s.handleRouteInvoke)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/models/{provider}/{model}/v1/chat/completions", s.handleModelChatCompletions)
		r.Get("/v1/models", s.handleOpenAIModels)

		// Catalog reads
		r.Get("/models", s.handleListModels)
		r.Get("/models/{provider}", s.handleProviderModels)
		r.Get("/models/{provider}/{model}", s.handleModelDetail)

		// Session management
		if deps.Sessions != nil {
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/bind-model", s.handleBindModel)
		}

		// Monitoring
		if deps.Store != nil {
			r.Get("/monitor/invocations", s.handleQueryInvocations)
			r.Get("/monitor/invocations/{id}", s.handleGetInvocation)
			r.Get("/monitor/statistics", s.handleStatistics)
			r.Get("/monitor/time-series", s.handleTimeSeries)
		}

		// Management CRUD
		if deps.Store != nil {
			r.Post("/providers", s.handleCreateProvider)
			r.Get("/providers", s.handleListProviders)
			r.Post("/models", s.handleCreateModel)
			r.Patch("/models/{provider}/{model}", s.handleUpdateModel)
			r.Post("/api-keys", s.handleCreateKey)
			r.Get("/api-keys", s.handleListKeys)
			r.Get("/api-keys/{id}", s.handleGetKey)
			r.Patch("/api-keys/{id}", s.handleUpdateKey)
			r.Delete("/api-keys/{id}", s.handleDeleteKey)
		}
	})

	return r
}

type server struct {
	deps Deps
}
