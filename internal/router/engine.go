// Package router selects catalog models and drives the invocation pipeline.
//
// The engine is the meeting point of the core components: it resolves the
// target through the catalog, enforces credential policy, takes a rate
// token, guards the upstream with a per-provider circuit breaker, dispatches
// to the adapter, and hands the outcome to the recorder.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter"
	"github.com/modelrelay/relay/internal/circuitbreaker"
	"github.com/modelrelay/relay/internal/telemetry"
)

// Catalog is the model index the engine resolves against.
type Catalog interface {
	Model(provider, model string) (relay.Snapshot, error)
	Models() []*relay.Model
	Provider(name string) (*relay.Provider, error)
}

// Authorizer checks credential allow-lists for one target model.
type Authorizer interface {
	Authorize(p *relay.Principal, provider, model string) error
}

// Limiter grants rate tokens for one model key.
type Limiter interface {
	Acquire(ctx context.Context, key string, cfg relay.RateLimit) error
}

// Recorder accepts completed invocation records. Implementations must not
// block the caller.
type Recorder interface {
	Record(inv *relay.Invocation)
}

// Deps bundles the engine's collaborators. Breakers, Recorder, Metrics and
// Logger are optional; the rest are required.
type Deps struct {
	Catalog  Catalog
	Adapters *adapter.Registry
	Auth     Authorizer
	Limiter  Limiter
	Breakers *circuitbreaker.Registry
	Recorder Recorder
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Engine drives invocations end to end.
type Engine struct {
	catalog  Catalog
	adapters *adapter.Registry
	auth     Authorizer
	limiter  Limiter
	breakers *circuitbreaker.Registry
	recorder Recorder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// New returns an Engine over deps.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog:  deps.Catalog,
		adapters: deps.Adapters,
		auth:     deps.Auth,
		limiter:  deps.Limiter,
		breakers: deps.Breakers,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// Query filters the catalog for tag-routed selection.
type Query struct {
	Tags            []string `json:"tags,omitempty"`
	ProviderTypes   []string `json:"provider_types,omitempty"`
	IncludeInactive bool     `json:"include_inactive,omitempty"`
}

// Select returns the model the query routes to: among active models whose
// tag set covers the query's tags, whose provider type matches, and which
// the principal may use, the lexicographically first (provider, model) wins
// so repeated queries are reproducible. An empty candidate set is not-found.
func (e *Engine) Select(q Query, p *relay.Principal) (*relay.Model, error) {
	candidates := e.candidates(q, p)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no model matches query: %w", relay.ErrNotFound)
	}
	return slices.MinFunc(candidates, func(a, b *relay.Model) int {
		if c := strings.Compare(a.Provider, b.Provider); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	}), nil
}

func (e *Engine) candidates(q Query, p *relay.Principal) []*relay.Model {
	tags := relay.NormalizeTags(q.Tags)
	var out []*relay.Model
	for _, m := range e.catalog.Models() {
		if !m.Active && !q.IncludeInactive {
			continue
		}
		prov, err := e.catalog.Provider(m.Provider)
		if err != nil || !prov.Active {
			continue
		}
		if !hasAllTags(m, tags) {
			continue
		}
		if len(q.ProviderTypes) > 0 && !slices.Contains(q.ProviderTypes, string(prov.Type)) {
			continue
		}
		if !p.Anonymous() && !p.Credential.AllowsModel(m.Provider, m.Name) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasAllTags(m *relay.Model, tags []string) bool {
	for _, t := range tags {
		if !m.HasTag(t) {
			return false
		}
	}
	return true
}

// Invoke drives a non-streaming invocation of provider/model on behalf of
// the principal.
func (e *Engine) Invoke(ctx context.Context, provider, model string, p *relay.Principal, req *relay.InvokeRequest) (resp *relay.InvokeResponse, err error) {
	ctx, span := startSpan(ctx, "router.invoke", provider, model)
	defer func() { endSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	snap, a, err := e.resolve(provider, model, p)
	if err != nil {
		return nil, err
	}
	call := finalize(snap, p, req, false)
	if err := e.acquire(ctx, snap); err != nil {
		return nil, err
	}

	breaker := e.breakerFor(snap.Provider.Name)
	if breaker != nil && !breaker.Allow() {
		return nil, e.failFast(ctx, snap, call)
	}

	start := time.Now()
	resp, err = a.Invoke(ctx, snap, call)
	e.observe(breaker, snap, start, err)
	if err != nil {
		e.record(ctx, snap, call, start, time.Now(), nil, err)
		return nil, err
	}
	resp.Cost = snap.Model.Config.Cost(resp.Usage)
	e.countTokens(snap, resp.Usage)
	e.record(ctx, snap, call, start, time.Now(), resp, nil)
	return resp, nil
}

// InvokeStream drives a streaming invocation. Chunks are relayed as they
// arrive; the engine tees deltas so the completed stream is recorded like a
// synchronous call. The returned channel is closed after the final chunk.
func (e *Engine) InvokeStream(ctx context.Context, provider, model string, p *relay.Principal, req *relay.InvokeRequest) (_ <-chan relay.StreamChunk, err error) {
	// The span covers setup through first byte; the stream itself is
	// bounded by the caller's context.
	ctx, span := startSpan(ctx, "router.invoke_stream", provider, model)
	defer func() { endSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	snap, a, err := e.resolve(provider, model, p)
	if err != nil {
		return nil, err
	}
	call := finalize(snap, p, req, true)
	if err := e.acquire(ctx, snap); err != nil {
		return nil, err
	}

	breaker := e.breakerFor(snap.Provider.Name)
	if breaker != nil && !breaker.Allow() {
		return nil, e.failFast(ctx, snap, call)
	}

	start := time.Now()
	upstream, err := a.Stream(ctx, snap, call)
	if err != nil {
		e.observe(breaker, snap, start, err)
		e.record(ctx, snap, call, start, time.Now(), nil, err)
		return nil, err
	}

	out := make(chan relay.StreamChunk, 8)
	go e.pump(ctx, breaker, snap, call, start, upstream, out)
	return out, nil
}

// pump forwards upstream chunks to the caller while accumulating the
// response for recording. When the caller stops reading, forwarding halts
// but the upstream is still drained so its reader goroutine can finish.
func (e *Engine) pump(ctx context.Context, breaker *circuitbreaker.Breaker, snap relay.Snapshot, req *relay.InvokeRequest, start time.Time, upstream <-chan relay.StreamChunk, out chan<- relay.StreamChunk) {
	defer close(out)

	var text strings.Builder
	var usage *relay.Usage
	var streamErr error
	gone := false
	for chunk := range upstream {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if !gone {
			select {
			case out <- chunk:
			case <-ctx.Done():
				gone = true
			}
		}
	}
	end := time.Now()

	e.observe(breaker, snap, start, streamErr)
	if streamErr != nil {
		e.record(ctx, snap, req, start, end, nil, streamErr)
		return
	}
	resp := &relay.InvokeResponse{
		OutputText: text.String(),
		Usage:      usage,
		Cost:       snap.Model.Config.Cost(usage),
	}
	e.countTokens(snap, usage)
	e.record(ctx, snap, req, start, end, resp, nil)
}

// resolve loads the invocation snapshot, rejects disabled targets, checks
// the principal may use it, and finds the adapter for the provider type.
func (e *Engine) resolve(provider, model string, p *relay.Principal) (relay.Snapshot, relay.Adapter, error) {
	snap, err := e.catalog.Model(provider, model)
	if err != nil {
		return relay.Snapshot{}, nil, err
	}
	if !snap.Provider.Active || !snap.Model.Active {
		return relay.Snapshot{}, nil, fmt.Errorf("model %q is disabled: %w", provider+"/"+model, relay.ErrNotFound)
	}
	if err := e.auth.Authorize(p, provider, model); err != nil {
		return relay.Snapshot{}, nil, err
	}
	a, err := e.adapters.Get(snap.Provider.Type)
	if err != nil {
		return relay.Snapshot{}, nil, err
	}
	return snap, a, nil
}

// finalize copies the request with the final parameter set: model defaults
// under the caller's values, numeric values capped at the credential's
// limits. Adapters receive the merged map as-is.
func finalize(snap relay.Snapshot, p *relay.Principal, req *relay.InvokeRequest, stream bool) *relay.InvokeRequest {
	out := *req
	out.Parameters = req.Parameters.Merge(snap.Model.DefaultParams)
	if !p.Anonymous() {
		out.Parameters = out.Parameters.Clamp(p.Credential.ParameterLimits)
	}
	out.Stream = stream
	return &out
}

func (e *Engine) acquire(ctx context.Context, snap relay.Snapshot) error {
	if snap.Model.RateLimit == nil {
		return nil
	}
	if err := e.limiter.Acquire(ctx, snap.Model.Key(), *snap.Model.RateLimit); err != nil {
		if e.metrics != nil {
			e.metrics.RateLimitRejects.WithLabelValues(snap.Model.Key()).Inc()
		}
		return err
	}
	return nil
}

func (e *Engine) breakerFor(provider string) *circuitbreaker.Breaker {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.For(provider)
}

// failFast rejects an invocation whose provider breaker is open. The
// rejection is recorded so monitoring sees the outage from the caller's
// side; it is not fed back into the breaker.
func (e *Engine) failFast(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) error {
	err := fmt.Errorf("%s: circuit open: %w", snap.Provider.Name, relay.ErrUpstream)
	now := time.Now()
	e.record(ctx, snap, req, now, now, nil, err)
	if e.metrics != nil {
		e.metrics.UpstreamErrors.WithLabelValues(snap.Provider.Name, "circuit-open").Inc()
	}
	e.logger.LogAttrs(ctx, slog.LevelWarn, "circuit open, failing fast",
		slog.String("provider", snap.Provider.Name),
		slog.String("model", snap.Model.Name))
	return err
}

// observe feeds the call outcome to the breaker and metrics.
func (e *Engine) observe(b *circuitbreaker.Breaker, snap relay.Snapshot, start time.Time, err error) {
	if b != nil {
		if err != nil {
			b.RecordError(circuitbreaker.Weight(err))
		} else {
			b.RecordSuccess()
		}
	}
	if e.metrics == nil {
		return
	}
	e.metrics.UpstreamDuration.WithLabelValues(snap.Provider.Name, snap.Model.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.UpstreamErrors.WithLabelValues(snap.Provider.Name, relay.Kind(err)).Inc()
	}
}

func (e *Engine) countTokens(snap relay.Snapshot, u *relay.Usage) {
	if e.metrics == nil || u == nil {
		return
	}
	key := snap.Model.Key()
	e.metrics.TokensProcessed.WithLabelValues(key, "prompt").Add(float64(u.PromptTokens))
	e.metrics.TokensProcessed.WithLabelValues(key, "completion").Add(float64(u.CompletionTokens))
}

// record enqueues the invocation outcome. Capture shaping (truncation,
// redaction) is the recorder's job, not the engine's.
func (e *Engine) record(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest, start, end time.Time, resp *relay.InvokeResponse, invokeErr error) {
	if e.recorder == nil {
		return
	}
	inv := &relay.Invocation{
		Provider:    snap.Provider.Name,
		Model:       snap.Model.Name,
		RequestID:   relay.RequestIDFromContext(ctx),
		StartedAt:   start,
		CompletedAt: end,
		DurationMs:  float64(end.Sub(start)) / float64(time.Millisecond),
		Status:      relay.StatusSuccess,
		Prompt:      req.Prompt,
	}
	if len(req.Messages) > 0 {
		if raw, err := json.Marshal(req.Messages); err == nil {
			inv.Messages = raw
		}
	}
	if len(req.Parameters) > 0 {
		if raw, err := json.Marshal(req.Parameters); err == nil {
			inv.Params = raw
		}
	}
	if invokeErr != nil {
		inv.Status = relay.StatusError
		inv.ErrorMessage = invokeErr.Error()
	}
	if resp != nil {
		inv.ResponseText = resp.OutputText
		inv.ResponseTextLen = len(resp.OutputText)
		inv.Cost = resp.Cost
		inv.RawResponse = resp.Raw
		if u := resp.Usage; u != nil {
			pt, ct, tt := u.PromptTokens, u.CompletionTokens, u.TotalTokens
			inv.PromptTokens = &pt
			inv.CompletionToks = &ct
			inv.TotalTokens = &tt
		}
	}
	e.recorder.Record(inv)
}
