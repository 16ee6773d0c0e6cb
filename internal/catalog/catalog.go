// Package catalog maintains an in-memory view of the provider, model and
// credential tables. Reads are served from an immutable snapshot that is
// atomically swapped on refresh, so lookups never block on storage and a
// snapshot handed to an in-flight request stays valid across refreshes.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// Source is the subset of storage the catalog reads from.
type Source interface {
	ListProviders(ctx context.Context) ([]*relay.Provider, error)
	ListModels(ctx context.Context) ([]*relay.Model, error)
	ListCredentials(ctx context.Context) ([]*relay.Credential, error)
}

// Catalog serves catalog lookups from an in-memory snapshot.
type Catalog struct {
	store  Source
	logger *slog.Logger
	env    func(string) string // os.Getenv, replaceable in tests

	mu   sync.RWMutex
	snap *snapshot

	ctrMu    sync.Mutex
	counters map[string]*atomic.Uint32 // per-provider key rotation, survives refresh
}

type snapshot struct {
	providers    map[string]*relay.Provider
	providerList []*relay.Provider
	models       map[string]*relay.Model // keyed "provider/name"
	modelList    []*relay.Model
	byProvider   map[string][]*relay.Model
	keys         map[string][]string // provider name -> resolved upstream keys
	credsByHash  map[string]*relay.Credential
	credsByID    map[string]*relay.Credential
	credList     []*relay.Credential
	builtAt      time.Time
}

// New creates a catalog with an empty snapshot. Call Refresh to load it.
func New(store Source, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:    store,
		logger:   logger,
		env:      os.Getenv,
		snap:     emptySnapshot(),
		counters: make(map[string]*atomic.Uint32),
	}
}

func emptySnapshot() *snapshot {
	return &snapshot{
		providers:   make(map[string]*relay.Provider),
		models:      make(map[string]*relay.Model),
		byProvider:  make(map[string][]*relay.Model),
		keys:        make(map[string][]string),
		credsByHash: make(map[string]*relay.Credential),
		credsByID:   make(map[string]*relay.Credential),
	}
}

// SetEnvLookup overrides environment resolution. Test hook.
func (c *Catalog) SetEnvLookup(fn func(string) string) { c.env = fn }

// Refresh rebuilds the snapshot from storage and swaps it in. On error the
// previous snapshot stays in service.
func (c *Catalog) Refresh(ctx context.Context) error {
	providers, err := c.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("%w: list providers: %w", relay.ErrStoreUnavailable, err)
	}
	models, err := c.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("%w: list models: %w", relay.ErrStoreUnavailable, err)
	}
	creds, err := c.store.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("%w: list credentials: %w", relay.ErrStoreUnavailable, err)
	}

	snap := emptySnapshot()
	snap.builtAt = time.Now()

	for _, p := range providers {
		c.validateProvider(p)
		snap.providers[p.Name] = p
		snap.providerList = append(snap.providerList, p)
		snap.keys[p.Name] = c.resolveKeys(p)
	}

	for _, m := range models {
		if _, ok := snap.providers[m.Provider]; !ok {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "model references unknown provider, skipping",
				slog.String("provider", m.Provider), slog.String("model", m.Name))
			continue
		}
		m.Tags = relay.NormalizeTags(m.Tags)
		snap.models[m.Key()] = m
		snap.modelList = append(snap.modelList, m)
		snap.byProvider[m.Provider] = append(snap.byProvider[m.Provider], m)
	}

	for _, cred := range creds {
		c.resolveCredential(ctx, cred)
		snap.credsByID[cred.ID] = cred
		snap.credList = append(snap.credList, cred)
		if cred.SecretHash != "" {
			snap.credsByHash[cred.SecretHash] = cred
		}
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	c.logger.LogAttrs(ctx, slog.LevelInfo, "catalog refreshed",
		slog.Int("providers", len(snap.providerList)),
		slog.Int("models", len(snap.modelList)),
		slog.Int("credentials", len(snap.credList)))
	return nil
}

// validateProvider disables rows the adapters cannot serve.
func (c *Catalog) validateProvider(p *relay.Provider) {
	if !p.Type.Valid() {
		if p.Active {
			c.logger.Warn("provider has unknown type, disabling",
				"provider", p.Name, "type", string(p.Type))
		}
		p.Active = false
		return
	}
	if p.Type == relay.TypeVLLMLocal && p.BaseURL == "" {
		if p.Active {
			c.logger.Warn("vllm provider requires base_url, disabling", "provider", p.Name)
		}
		p.Active = false
	}
}

// resolveKeys splits literal and environment-sourced upstream keys into the
// rotation list. A missing environment variable logs once per refresh and
// contributes nothing.
func (c *Catalog) resolveKeys(p *relay.Provider) []string {
	var keys []string
	keys = append(keys, splitKeys(p.APIKey)...)
	if p.APIKeyEnv != "" {
		v := c.env(p.APIKeyEnv)
		if v == "" {
			c.logger.Warn("provider key environment variable is empty",
				"provider", p.Name, "env", p.APIKeyEnv)
		} else {
			keys = append(keys, splitKeys(v)...)
		}
	}
	return keys
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveCredential fills SecretHash from the environment when the secret is
// indirect. A missing variable disables the credential rather than erroring.
func (c *Catalog) resolveCredential(ctx context.Context, cred *relay.Credential) {
	if cred.SecretEnv == "" {
		return
	}
	v := c.env(cred.SecretEnv)
	if v == "" {
		if cred.Active {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "credential environment variable is empty, disabling",
				slog.String("credential", cred.Name), slog.String("env", cred.SecretEnv))
		}
		cred.Active = false
		return
	}
	cred.SecretHash = relay.HashSecret(v)
}

func (c *Catalog) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// LastRefresh returns when the current snapshot was built; zero if never.
func (c *Catalog) LastRefresh() time.Time {
	return c.current().builtAt
}

// Providers returns all provider rows. Callers must not mutate them.
func (c *Catalog) Providers() []*relay.Provider {
	return c.current().providerList
}

// Provider returns a provider row by name.
func (c *Catalog) Provider(name string) (*relay.Provider, error) {
	p, ok := c.current().providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, relay.ErrNotFound)
	}
	return p, nil
}

// Models returns all model rows. Callers must not mutate them.
func (c *Catalog) Models() []*relay.Model {
	return c.current().modelList
}

// ModelsByProvider returns the models of one provider. Unknown provider is
// not-found; a provider with no models returns an empty list.
func (c *Catalog) ModelsByProvider(provider string) ([]*relay.Model, error) {
	snap := c.current()
	if _, ok := snap.providers[provider]; !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, relay.ErrNotFound)
	}
	return snap.byProvider[provider], nil
}

// ModelInfo returns one model row without resolving upstream keys.
func (c *Catalog) ModelInfo(provider, model string) (*relay.Model, error) {
	m, ok := c.current().models[provider+"/"+model]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", provider+"/"+model, relay.ErrNotFound)
	}
	return m, nil
}

// Model resolves an invocation snapshot: provider row, model row and the
// upstream keys in rotation order. Each call advances the provider's
// round-robin counter when more than one key is configured.
func (c *Catalog) Model(provider, model string) (relay.Snapshot, error) {
	snap := c.current()
	p, ok := snap.providers[provider]
	if !ok {
		return relay.Snapshot{}, fmt.Errorf("provider %q: %w", provider, relay.ErrNotFound)
	}
	m, ok := snap.models[provider+"/"+model]
	if !ok {
		return relay.Snapshot{}, fmt.Errorf("model %q: %w", provider+"/"+model, relay.ErrNotFound)
	}

	keys := snap.keys[provider]
	if len(keys) > 1 {
		n := int(c.counter(provider).Add(1))
		rotated := make([]string, len(keys))
		for i := range keys {
			rotated[i] = keys[(n+i)%len(keys)]
		}
		keys = rotated
	}
	return relay.Snapshot{Provider: *p, Model: *m, Keys: keys}, nil
}

func (c *Catalog) counter(provider string) *atomic.Uint32 {
	c.ctrMu.Lock()
	defer c.ctrMu.Unlock()
	ctr, ok := c.counters[provider]
	if !ok {
		ctr = &atomic.Uint32{}
		c.counters[provider] = ctr
	}
	return ctr
}

// Credentials returns all credential rows.
func (c *Catalog) Credentials() []*relay.Credential {
	return c.current().credList
}

// CredentialByID returns a credential row by ID.
func (c *Catalog) CredentialByID(id string) (*relay.Credential, error) {
	cred, ok := c.current().credsByID[id]
	if !ok {
		return nil, fmt.Errorf("credential %q: %w", id, relay.ErrNotFound)
	}
	return cred, nil
}

// CredentialByHash returns the credential whose secret hashes to hash.
func (c *Catalog) CredentialByHash(hash string) (*relay.Credential, error) {
	cred, ok := c.current().credsByHash[hash]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cred, nil
}
