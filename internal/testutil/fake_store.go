// Package testutil provides configurable in-memory fakes for relay interfaces.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store. It keeps
// enough fidelity (copy-on-write rows, conflict and not-found errors) for
// catalog, bootstrap and server tests to run without SQLite.
type FakeStore struct {
	mu          sync.RWMutex
	providers   map[string]*relay.Provider
	models      map[string]*relay.Model
	credentials map[string]*relay.Credential
	invocations []relay.Invocation

	// FailWith, when set, makes every call return this error. Tests use it
	// to simulate an unreachable store.
	FailWith error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		providers:   make(map[string]*relay.Provider),
		models:      make(map[string]*relay.Model),
		credentials: make(map[string]*relay.Credential),
	}
}

// Seed inserts rows without error checking. Test setup helper.
func (s *FakeStore) Seed(providers []*relay.Provider, models []*relay.Model, creds []*relay.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range providers {
		cp := *p
		s.providers[p.Name] = &cp
	}
	for _, m := range models {
		cm := *m
		s.models[m.Key()] = &cm
	}
	for _, c := range creds {
		cc := *c
		s.credentials[c.ID] = &cc
	}
}

func (s *FakeStore) fail() error { return s.FailWith }

// --- ProviderStore ---

func (s *FakeStore) CreateProvider(_ context.Context, p *relay.Provider) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.Name]; ok {
		return fmt.Errorf("provider %q: %w", p.Name, relay.ErrConflict)
	}
	cp := *p
	s.providers[p.Name] = &cp
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, name string) (*relay.Provider, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, relay.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) ListProviders(context.Context) ([]*relay.Provider, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *relay.Provider) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.Name]; !ok {
		return fmt.Errorf("provider %q: %w", p.Name, relay.ErrNotFound)
	}
	cp := *p
	s.providers[p.Name] = &cp
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, name string) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[name]; !ok {
		return fmt.Errorf("provider %q: %w", name, relay.ErrNotFound)
	}
	delete(s.providers, name)
	for key, m := range s.models {
		if m.Provider == name {
			delete(s.models, key)
		}
	}
	return nil
}

// --- ModelStore ---

func (s *FakeStore) CreateModel(_ context.Context, m *relay.Model) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.Key()]; ok {
		return fmt.Errorf("model %q: %w", m.Key(), relay.ErrConflict)
	}
	cm := *m
	s.models[m.Key()] = &cm
	return nil
}

func (s *FakeStore) GetModel(_ context.Context, provider, name string) (*relay.Model, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[provider+"/"+name]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", provider+"/"+name, relay.ErrNotFound)
	}
	cm := *m
	return &cm, nil
}

func (s *FakeStore) ListModels(context.Context) ([]*relay.Model, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.Model, 0, len(s.models))
	for _, m := range s.models {
		cm := *m
		out = append(out, &cm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *FakeStore) UpdateModel(_ context.Context, m *relay.Model) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.Key()]; !ok {
		return fmt.Errorf("model %q: %w", m.Key(), relay.ErrNotFound)
	}
	cm := *m
	s.models[m.Key()] = &cm
	return nil
}

func (s *FakeStore) DeleteModel(_ context.Context, provider, name string) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + "/" + name
	if _, ok := s.models[key]; !ok {
		return fmt.Errorf("model %q: %w", key, relay.ErrNotFound)
	}
	delete(s.models, key)
	return nil
}

// --- CredentialStore ---

func (s *FakeStore) CreateCredential(_ context.Context, c *relay.Credential) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; ok {
		return fmt.Errorf("credential %q: %w", c.ID, relay.ErrConflict)
	}
	cc := *c
	s.credentials[c.ID] = &cc
	return nil
}

func (s *FakeStore) GetCredential(_ context.Context, id string) (*relay.Credential, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %q: %w", id, relay.ErrNotFound)
	}
	cc := *c
	return &cc, nil
}

func (s *FakeStore) GetCredentialByName(_ context.Context, name string) (*relay.Credential, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.Name == name {
			cc := *c
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("credential %q: %w", name, relay.ErrNotFound)
}

func (s *FakeStore) ListCredentials(context.Context) ([]*relay.Credential, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateCredential(_ context.Context, c *relay.Credential) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; !ok {
		return fmt.Errorf("credential %q: %w", c.ID, relay.ErrNotFound)
	}
	cc := *c
	s.credentials[c.ID] = &cc
	return nil
}

func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return fmt.Errorf("credential %q: %w", id, relay.ErrNotFound)
	}
	delete(s.credentials, id)
	return nil
}

// --- InvocationStore ---

func (s *FakeStore) InsertInvocations(_ context.Context, records []relay.Invocation) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations = append(s.invocations, records...)
	return nil
}

func (s *FakeStore) GetInvocation(_ context.Context, id string) (*relay.Invocation, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.invocations {
		if s.invocations[i].ID == id {
			cp := s.invocations[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("invocation %q: %w", id, relay.ErrNotFound)
}

func (s *FakeStore) QueryInvocations(_ context.Context, f storage.InvocationFilter) ([]*relay.Invocation, int64, error) {
	if err := s.fail(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*relay.Invocation
	for i := range s.invocations {
		r := s.invocations[i]
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		if f.Model != "" && r.Model != f.Model {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !r.StartedAt.Before(f.Until) {
			continue
		}
		cp := r
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })
	total := int64(len(matched))
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *FakeStore) Stats(_ context.Context, since time.Time, topN int) (*storage.Statistics, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &storage.Statistics{}
	byModel := make(map[string]*storage.ModelUsage)
	for i := range s.invocations {
		r := s.invocations[i]
		if r.StartedAt.Before(since) {
			continue
		}
		st.TotalCalls++
		if r.Status == relay.StatusSuccess {
			st.SuccessCalls++
		}
		if r.TotalTokens != nil {
			st.TotalTokens += int64(*r.TotalTokens)
		}
		if r.Cost != nil {
			st.TotalCost += *r.Cost
		}
		key := r.Provider + "/" + r.Model
		mu, ok := byModel[key]
		if !ok {
			mu = &storage.ModelUsage{Provider: r.Provider, Model: r.Model}
			byModel[key] = mu
		}
		mu.Calls++
		if r.Status == relay.StatusSuccess {
			mu.SuccessCalls++
		}
	}
	st.ErrorCalls = st.TotalCalls - st.SuccessCalls
	if st.TotalCalls > 0 {
		st.SuccessRate = float64(st.SuccessCalls) / float64(st.TotalCalls) * 100
	}
	if topN <= 0 {
		topN = 10
	}
	for _, mu := range byModel {
		st.TopModels = append(st.TopModels, *mu)
	}
	sort.Slice(st.TopModels, func(i, j int) bool {
		a, b := st.TopModels[i], st.TopModels[j]
		if a.Calls != b.Calls {
			return a.Calls > b.Calls
		}
		return a.Provider+"/"+a.Model < b.Provider+"/"+b.Model
	})
	if len(st.TopModels) > topN {
		st.TopModels = st.TopModels[:topN]
	}
	return st, nil
}

func (s *FakeStore) TimeSeries(_ context.Context, since time.Time, interval time.Duration) ([]storage.TimePoint, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Hour
	}
	secs := int64(interval / time.Second)
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := make(map[int64]*storage.TimePoint)
	for i := range s.invocations {
		r := s.invocations[i]
		if r.StartedAt.Before(since) {
			continue
		}
		epoch := r.StartedAt.Unix() / secs * secs
		tp, ok := buckets[epoch]
		if !ok {
			tp = &storage.TimePoint{Bucket: time.Unix(epoch, 0).UTC()}
			buckets[epoch] = tp
		}
		tp.Calls++
		if r.Status == relay.StatusError {
			tp.Errors++
		}
		if r.TotalTokens != nil {
			tp.TotalTokens += int64(*r.TotalTokens)
		}
	}
	out := make([]storage.TimePoint, 0, len(buckets))
	for _, tp := range buckets {
		out = append(out, *tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func (s *FakeStore) DeleteInvocationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.invocations[:0]
	var removed int64
	for i := range s.invocations {
		if s.invocations[i].StartedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s.invocations[i])
	}
	s.invocations = kept
	return removed, nil
}

// Invocations returns a copy of all stored invocation records.
func (s *FakeStore) Invocations() []relay.Invocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]relay.Invocation, len(s.invocations))
	copy(out, s.invocations)
	return out
}

// Ping reports the store as reachable unless FailWith is set.
func (s *FakeStore) Ping(context.Context) error { return s.fail() }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
