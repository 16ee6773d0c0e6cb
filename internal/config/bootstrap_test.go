package config

import (
	"context"
	"log/slog"
	"testing"
	"time"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/testutil"
)

func bootstrapConfig(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

const seedYAML = `
providers:
  - name: openai
    type: openai-compatible
    api_key_env: OPENAI_API_KEY
    models:
      - name: gpt-4o
        tags: [chat]
        rate_limit:
          max_requests: 10
          per_seconds: 60
credentials:
  - name: ci
    secret: mrl_bootstrap-secret
`

func TestBootstrapCreates(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	cfg := bootstrapConfig(t, seedYAML)

	if err := Bootstrap(context.Background(), cfg, store, slog.Default()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	p, err := store.GetProvider(context.Background(), "openai")
	if err != nil {
		t.Fatalf("provider not created: %v", err)
	}
	if p.Type != relay.TypeOpenAICompatible || p.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("provider = %+v", p)
	}

	m, err := store.GetModel(context.Background(), "openai", "gpt-4o")
	if err != nil {
		t.Fatalf("model not created: %v", err)
	}
	if !m.HasTag("chat") || m.RateLimit == nil || m.RateLimit.MaxRequests != 10 {
		t.Errorf("model = %+v", m)
	}

	cred, err := store.GetCredentialByName(context.Background(), "ci")
	if err != nil {
		t.Fatalf("credential not created: %v", err)
	}
	if cred.SecretHash != relay.HashSecret("mrl_bootstrap-secret") {
		t.Error("secret not hashed")
	}
	if cred.ID == "" {
		t.Error("credential missing generated ID")
	}
}

func TestBootstrapUpdatesByNaturalKey(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ctx := context.Background()

	if err := Bootstrap(ctx, bootstrapConfig(t, seedYAML), store, slog.Default()); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	first, _ := store.GetProvider(ctx, "openai")
	firstCred, _ := store.GetCredentialByName(ctx, "ci")

	// Second sync changes the base URL and restricts the credential; rows
	// keep their identity.
	updated := `
providers:
  - name: openai
    type: openai-compatible
    base_url: https://proxy.internal
    models:
      - name: gpt-4o
credentials:
  - name: ci
    secret: mrl_bootstrap-secret
    allowed_providers: [openai]
`
	if err := Bootstrap(ctx, bootstrapConfig(t, updated), store, slog.Default()); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}

	p, _ := store.GetProvider(ctx, "openai")
	if p.BaseURL != "https://proxy.internal" {
		t.Errorf("base_url = %q, not updated", p.BaseURL)
	}
	if !p.CreatedAt.Equal(first.CreatedAt) {
		t.Error("provider CreatedAt changed on update")
	}

	cred, _ := store.GetCredentialByName(ctx, "ci")
	if cred.ID != firstCred.ID {
		t.Errorf("credential ID changed: %s -> %s", firstCred.ID, cred.ID)
	}
	if len(cred.AllowedProviders) != 1 {
		t.Errorf("allowed_providers = %v", cred.AllowedProviders)
	}
}

func TestBootstrapLeavesAdminRowsAlone(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ctx := context.Background()
	now := time.Now().UTC()

	// Row created via the admin API, absent from the file.
	adminProv := &relay.Provider{Name: "handmade", Type: relay.TypeAnthropic, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateProvider(ctx, adminProv); err != nil {
		t.Fatalf("seed admin provider: %v", err)
	}

	if err := Bootstrap(ctx, bootstrapConfig(t, seedYAML), store, slog.Default()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := store.GetProvider(ctx, "handmade"); err != nil {
		t.Errorf("admin-created provider gone after bootstrap: %v", err)
	}
	providers, _ := store.ListProviders(ctx)
	if len(providers) != 2 {
		t.Errorf("providers = %d, want 2", len(providers))
	}
}
