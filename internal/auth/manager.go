package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/storage"
)

// Manager handles caller credential lifecycle. Secrets are generated here,
// hashed, and handed back exactly once; only the hash is persisted.
type Manager struct {
	store storage.CredentialStore
}

// NewManager returns a Manager backed by store.
func NewManager(store storage.CredentialStore) *Manager {
	return &Manager{store: store}
}

// CreateOpts holds the fields for credential creation. A nil restriction
// slice means unrestricted; an empty one denies everything.
type CreateOpts struct {
	Name             string
	AllowedProviders []string
	AllowedModels    []string
	ParameterLimits  map[string]float64
}

// Create mints a new credential, stores its hash, and returns the plaintext
// secret (shown once) along with the persisted row.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (string, *relay.Credential, error) {
	token, err := relay.NewToken()
	if err != nil {
		return "", nil, err
	}
	plaintext := relay.CredentialPrefix + token

	now := time.Now().UTC()
	cred := &relay.Credential{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Name:             opts.Name,
		SecretHash:       relay.HashSecret(plaintext),
		Active:           true,
		AllowedProviders: opts.AllowedProviders,
		AllowedModels:    opts.AllowedModels,
		ParameterLimits:  opts.ParameterLimits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if cred.Name == "" {
		cred.Name = "key-" + cred.ID[:8]
	}
	if err := m.store.CreateCredential(ctx, cred); err != nil {
		return "", nil, fmt.Errorf("create credential: %w", err)
	}
	return plaintext, cred, nil
}

// Delete removes the credential with the given ID.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteCredential(ctx, id)
}

// DisplayPrefix returns the non-sensitive leading part of a plaintext
// secret, used for operator-facing listings.
func DisplayPrefix(plaintext string) string {
	if len(plaintext) > 12 {
		return plaintext[:12]
	}
	return plaintext
}
