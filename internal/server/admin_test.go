package server

import (
	"net/http"
	"strings"
	"testing"

	relay "github.com/modelrelay/relay/internal"
)

func TestCreateProviderRefreshesCatalog(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/providers",
		`{"name":"p2","type":"ollama-local","base_url":"http://localhost:11434"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The mutation is visible without waiting for a periodic refresh.
	if _, err := env.catalog.Provider("p2"); err != nil {
		t.Errorf("provider p2 not in catalog after create: %v", err)
	}
}

func TestCreateProviderValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/providers", `{"type":"anthropic"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}

	rec = env.local(http.MethodPost, "/providers", `{"name":"px","type":"mystery"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type: status = %d, want 400", rec.Code)
	}

	rec = env.local(http.MethodPost, "/providers",
		`{"name":"p1","type":"openai-compatible"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409; body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAndUpdateModel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/models",
		`{"provider":"p1","name":"m9","tags":["Chat","chat","FAST"],"active":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[relay.Model](t, rec)
	if len(created.Tags) != 2 { // normalized: chat, fast
		t.Errorf("tags = %v, want normalized pair", created.Tags)
	}

	rec = env.local(http.MethodPatch, "/models/p1/m9",
		`{"rate_limit":{"max_requests":5,"per_seconds":1},"active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[relay.Model](t, rec)
	if updated.RateLimit == nil || updated.RateLimit.MaxRequests != 5 {
		t.Errorf("rate_limit = %+v", updated.RateLimit)
	}
	if updated.Active {
		t.Error("active = true, want false")
	}

	rec = env.local(http.MethodPost, "/models", `{"provider":"ghost","name":"m1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider: status = %d, want 404", rec.Code)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodPost, "/api-keys",
		`{"name":"ci","allowed_providers":["p1"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[keyCreateResponse](t, rec)
	if !strings.HasPrefix(created.PlaintextKey, relay.CredentialPrefix) {
		t.Fatalf("plaintext = %q, want %s prefix", created.PlaintextKey, relay.CredentialPrefix)
	}
	if created.Credential == nil || created.Credential.ID == "" {
		t.Fatal("missing credential row")
	}
	id := created.Credential.ID

	// The fresh secret works immediately; the stored row never echoes it.
	resp := env.remote(http.MethodGet, "/models", "",
		map[string]string{"X-API-Key": created.PlaintextKey})
	if resp.Code != http.StatusOK {
		t.Fatalf("fresh key request status = %d, body = %s", resp.Code, resp.Body.String())
	}
	get := env.local(http.MethodGet, "/api-keys/"+id, "")
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d", get.Code)
	}
	if strings.Contains(get.Body.String(), created.PlaintextKey) ||
		strings.Contains(get.Body.String(), relay.HashSecret(created.PlaintextKey)) {
		t.Error("credential fetch leaks secret material")
	}

	rec = env.local(http.MethodPatch, "/api-keys/"+id, `{"active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	// Deactivation takes effect immediately thanks to cache invalidation.
	resp = env.remote(http.MethodGet, "/models", "",
		map[string]string{"X-API-Key": created.PlaintextKey})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("deactivated key status = %d, want 403", resp.Code)
	}

	rec = env.local(http.MethodDelete, "/api-keys/"+id, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.local(http.MethodGet, "/api-keys/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestAdminListEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, seedCatalog)

	rec := env.local(http.MethodGet, "/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("providers status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "api_key\"") {
		t.Error("provider listing exposes upstream keys")
	}

	rec = env.local(http.MethodGet, "/api-keys", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("api-keys status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), relay.HashSecret(testSecret)) {
		t.Error("credential listing exposes secret hashes")
	}
}
