package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/cache"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/ratelimit"
	"github.com/modelrelay/relay/internal/router"
	"github.com/modelrelay/relay/internal/telemetry"
	"github.com/modelrelay/relay/internal/testutil"
)

const testSecret = "mrl_test-secret"

// captureRecorder collects invocation records synchronously for assertions.
type captureRecorder struct {
	mu   sync.Mutex
	recs []*relay.Invocation
}

func (c *captureRecorder) Record(inv *relay.Invocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, inv)
}

func (c *captureRecorder) all() []*relay.Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*relay.Invocation(nil), c.recs...)
}

type testEnv struct {
	store    *testutil.FakeStore
	catalog  *catalog.Catalog
	sessions *auth.SessionStore
	authn    *auth.Authenticator
	recorder *captureRecorder
	adapter  *testutil.FakeAdapter
	handler  http.Handler
}

// seedCatalog is the default fixture: provider p1 with chat model m1, a
// rate-limited m3, and one restricted credential.
func seedCatalog(store *testutil.FakeStore) {
	now := time.Now().UTC()
	store.Seed(
		[]*relay.Provider{{
			Name: "p1", Type: relay.TypeOpenAICompatible, Active: true,
			CreatedAt: now, UpdatedAt: now,
		}},
		[]*relay.Model{
			{
				Provider: "p1", Name: "m1", Tags: []string{"chat", "general"},
				Active: true, CreatedAt: now, UpdatedAt: now,
			},
			{
				Provider: "p1", Name: "m3", Active: true,
				RateLimit: &relay.RateLimit{MaxRequests: 1, PerSeconds: 60},
				CreatedAt: now, UpdatedAt: now,
			},
		},
		[]*relay.Credential{{
			ID: "cred-1", Name: "restricted", Active: true,
			SecretHash:    relay.HashSecret(testSecret),
			AllowedModels: []string{"p2/m2"},
			CreatedAt:     now, UpdatedAt: now,
		}},
	)
}

// seedUnrestricted is seedCatalog with the credential's allow-list removed.
func seedUnrestricted(store *testutil.FakeStore) {
	seedCatalog(store)
	cred, _ := store.GetCredential(context.Background(), "cred-1")
	cred.AllowedModels = nil
	_ = store.UpdateCredential(context.Background(), cred)
}

func newTestEnv(t *testing.T, seed func(*testutil.FakeStore)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := testutil.NewFakeStore()
	if seed != nil {
		seed(store)
	}

	cat := catalog.New(store, logger)
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("catalog refresh: %v", err)
	}

	sessions := auth.NewSessionStore(0)
	authn, err := auth.New(cat, sessions, false, logger)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	fa := &testutil.FakeAdapter{}
	adapters := adapter.NewRegistry()
	adapters.Register(fa)

	rec := &captureRecorder{}
	engine := router.New(router.Deps{
		Catalog:  cat,
		Adapters: adapters,
		Auth:     authn,
		Limiter:  ratelimit.NewRegistry(),
		Recorder: rec,
		Logger:   logger,
	})

	mem, err := cache.NewMemory(64, 30*time.Second)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	handler := New(Deps{
		Auth:       authn,
		Engine:     engine,
		Catalog:    cat,
		Store:      store,
		Sessions:   authn,
		Creds:      auth.NewManager(store),
		Invalidate: authn,
		Cache:      mem,
		Metrics:    telemetry.NewMetrics(prometheus.NewRegistry()),
		ReadyCheck: store.Ping,
	})

	return &testEnv{
		store:    store,
		catalog:  cat,
		sessions: sessions,
		authn:    authn,
		recorder: rec,
		adapter:  fa,
		handler:  handler,
	}
}

// local issues a request from a loopback address (anonymous bypass applies).
func (e *testEnv) local(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:34567"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// remote issues a request from a routable address with optional headers.
func (e *testEnv) remote(method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestDirectInvoke(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/models/p1/m1/invoke",
		`{"prompt":"hi","parameters":{"max_tokens":5}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[relay.InvokeResponse](t, rec)
	if resp.OutputText != "hello" {
		t.Errorf("output_text = %q, want %q", resp.OutputText, "hello")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total_tokens 15", resp.Usage)
	}
}

func TestRouteInvokeByTag(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/route/invoke",
		`{"query":{"tags":["chat"]},"request":{"prompt":"hi"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[relay.InvokeResponse](t, rec)
	if resp.OutputText != "hello" {
		t.Errorf("output_text = %q, want %q", resp.OutputText, "hello")
	}

	recs := env.recorder.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Provider != "p1" || recs[0].Model != "m1" {
		t.Errorf("record target = %s/%s, want p1/m1", recs[0].Provider, recs[0].Model)
	}
}

func TestRouteInvokeNoCandidate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/route/invoke",
		`{"query":{"tags":["coding","reasoning"]},"request":{"prompt":"hi"}}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[apiError](t, rec)
	if body.Error.Kind != "not-found" {
		t.Errorf("kind = %q, want not-found", body.Error.Kind)
	}
	for _, r := range env.recorder.all() {
		if r.Status == relay.StatusSuccess {
			t.Errorf("unexpected success record for %s/%s", r.Provider, r.Model)
		}
	}
}

func TestInvokeDeniedByAllowList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.remote(http.MethodPost, "/models/p1/m1/invoke",
		`{"prompt":"hi"}`, map[string]string{"X-API-Key": testSecret})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[apiError](t, rec)
	if body.Error.Kind != "forbidden" {
		t.Errorf("kind = %q, want forbidden", body.Error.Kind)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	first := env.local(http.MethodPost, "/models/p1/m3/invoke", `{"prompt":"hi"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body = %s", first.Code, first.Body.String())
	}

	// Second call carries a short deadline; the 60s refill wait overshoots
	// it, so the limiter rejects immediately.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/models/p1/m3/invoke",
		strings.NewReader(`{"prompt":"hi"}`)).WithContext(ctx)
	req.RemoteAddr = "127.0.0.1:34567"
	second := httptest.NewRecorder()
	env.handler.ServeHTTP(second, req)

	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429; body = %s", second.Code, second.Body.String())
	}
	body := decodeBody[apiError](t, second)
	if body.Error.Kind != "rate-limited" {
		t.Errorf("kind = %q, want rate-limited", body.Error.Kind)
	}
}

func TestChatCompletionsShim(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/v1/chat/completions",
		`{"model":"p1/m1","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[chatResponse](t, rec)
	if resp.Model != "p1/m1" {
		t.Errorf("model = %q, want p1/m1", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello" {
		t.Errorf("choices = %+v, want one assistant 'hello'", resp.Choices)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total_tokens 15", resp.Usage)
	}
}

func TestChatShimToolMessages(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	var got []relay.Message
	env.adapter.InvokeFn = func(_ context.Context, _ relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
		got = req.Messages
		return testutil.CannedResponse("done"), nil
	}

	// OpenAI clients replay tool results as role "tool" turns; the gateway
	// passes them through rather than rejecting the conversation.
	rec := env.local(http.MethodPost, "/v1/chat/completions",
		`{"model":"p1/m1","messages":[
			{"role":"user","content":"what is 6x7?"},
			{"role":"assistant","content":"calling calculator"},
			{"role":"tool","content":"42"}
		]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(got) != 3 || got[2].Role != relay.RoleTool {
		t.Fatalf("adapter saw %d messages, last role %q; want 3 with tool last",
			len(got), got[len(got)-1].Role)
	}
}

func TestRemoteWithoutCredential(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.remote(http.MethodPost, "/models/p1/m1/invoke", `{"prompt":"hi"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401; body = %s", rec.Code, rec.Body.String())
	}
}

func TestLoopbackInvalidCredentialRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	req := httptest.NewRequest(http.MethodPost, "/models/p1/m1/invoke",
		strings.NewReader(`{"prompt":"hi"}`))
	req.RemoteAddr = "127.0.0.1:34567"
	req.Header.Set("X-API-Key", "mrl_wrong")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	// A presented credential must validate even on loopback; no silent
	// downgrade to anonymous.
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body = %s", rec.Code, rec.Body.String())
	}
}

func TestParameterClamp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(store *testutil.FakeStore) {
		now := time.Now().UTC()
		store.Seed(
			[]*relay.Provider{{Name: "p1", Type: relay.TypeOpenAICompatible, Active: true, CreatedAt: now, UpdatedAt: now}},
			[]*relay.Model{{Provider: "p1", Name: "m1", Active: true, CreatedAt: now, UpdatedAt: now}},
			[]*relay.Credential{{
				ID: "cred-1", Name: "capped", Active: true,
				SecretHash:      relay.HashSecret(testSecret),
				ParameterLimits: map[string]float64{"temperature": 1.0, "max_tokens": 500},
				CreatedAt:       now, UpdatedAt: now,
			}},
		)
	})

	var got relay.Params
	env.adapter.InvokeFn = func(_ context.Context, _ relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
		got = req.Parameters
		return testutil.CannedResponse("ok"), nil
	}

	rec := env.remote(http.MethodPost, "/models/p1/m1/invoke",
		`{"prompt":"hi","parameters":{"temperature":1.7,"max_tokens":2000}}`,
		map[string]string{"Authorization": "Bearer " + testSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if v, ok := got.Float("temperature"); !ok || v != 1.0 {
		t.Errorf("temperature = %v, want clamped to 1.0", got["temperature"])
	}
	if v, ok := got.Int("max_tokens"); !ok || v != 500 {
		t.Errorf("max_tokens = %v, want clamped to 500", got["max_tokens"])
	}
}

func TestInvokeRejectsPromptAndMessages(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/models/p1/m1/invoke",
		`{"prompt":"hi","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownModel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/models/p1/nope/invoke", `{"prompt":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[healthResponse](t, rec)
	if resp.Status != "ok" || resp.Models != 2 {
		t.Errorf("health = %+v", resp)
	}

	env.store.FailWith = relay.ErrStoreUnavailable
	rec = env.local(http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
}

func TestCatalogListings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodGet, "/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := decodeBody[struct {
		Data []modelSummary `json:"data"`
	}](t, rec)
	if len(list.Data) != 2 {
		t.Fatalf("models = %d, want 2", len(list.Data))
	}

	rec = env.local(http.MethodGet, "/models/p1/m1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	detail := decodeBody[relay.Model](t, rec)
	if !detail.HasTag("chat") {
		t.Errorf("detail tags = %v, want chat", detail.Tags)
	}

	rec = env.local(http.MethodGet, "/models/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider status = %d, want 404", rec.Code)
	}
}

func TestOpenAIModelList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := decodeBody[openaiModelList](t, rec)
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("list = %+v, want 2 models", list)
	}
	ids := map[string]bool{}
	for _, m := range list.Data {
		ids[m.ID] = true
	}
	if !ids["p1/m1"] || !ids["p1/m3"] {
		t.Errorf("ids = %v, want p1/m1 and p1/m3", ids)
	}
}
