package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/storage"
)

// Bootstrap syncs the config file into the catalog store: providers and
// models insert-or-update by natural key, credentials by name. Rows created
// by the admin API and absent from the file are left alone, so the file is a
// baseline, not the single source of truth.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()

	for _, pe := range cfg.Providers {
		if err := syncProvider(ctx, store, pe, now); err != nil {
			return fmt.Errorf("bootstrap provider %q: %w", pe.Name, err)
		}
		for _, me := range pe.Models {
			if err := syncModel(ctx, store, pe.Name, me, now); err != nil {
				return fmt.Errorf("bootstrap model %s/%s: %w", pe.Name, me.Name, err)
			}
		}
		logger.Info("bootstrapped provider", "name", pe.Name, "models", len(pe.Models))
	}

	for _, ce := range cfg.Credentials {
		if err := syncCredential(ctx, store, ce, now); err != nil {
			return fmt.Errorf("bootstrap credential %q: %w", ce.Name, err)
		}
	}
	return nil
}

func syncProvider(ctx context.Context, store storage.Store, pe ProviderEntry, now time.Time) error {
	row := &relay.Provider{
		Name:      pe.Name,
		Type:      relay.ProviderType(pe.Type),
		BaseURL:   pe.BaseURL,
		APIKey:    pe.APIKey,
		APIKeyEnv: pe.APIKeyEnv,
		Settings:  pe.Settings,
		Active:    pe.IsActive(),
		UpdatedAt: now,
	}
	existing, err := store.GetProvider(ctx, pe.Name)
	switch {
	case err == nil:
		row.CreatedAt = existing.CreatedAt
		return store.UpdateProvider(ctx, row)
	case errors.Is(err, relay.ErrNotFound):
		row.CreatedAt = now
		return store.CreateProvider(ctx, row)
	default:
		return err
	}
}

func syncModel(ctx context.Context, store storage.Store, provider string, me ModelEntry, now time.Time) error {
	row := &relay.Model{
		Provider:    provider,
		Name:        me.Name,
		DisplayName: me.DisplayName,
		Description: me.Description,
		RemoteID:    me.RemoteID,
		Tags:        relay.NormalizeTags(me.Tags),
		Config: relay.ModelConfig{
			ContextWindow:   me.Config.ContextWindow,
			Vision:          me.Config.Vision,
			Audio:           me.Config.Audio,
			Video:           me.Config.Video,
			Tools:           me.Config.Tools,
			Endpoint:        me.Config.Endpoint,
			InputCostPer1K:  me.Config.InputCostPer1K,
			OutputCostPer1K: me.Config.OutputCostPer1K,
		},
		Active:    me.IsActive(),
		UpdatedAt: now,
	}
	if len(me.DefaultParams) > 0 {
		row.DefaultParams = relay.Params(me.DefaultParams)
	}
	if rl := me.RateLimit; rl != nil {
		row.RateLimit = &relay.RateLimit{
			MaxRequests: rl.MaxRequests,
			PerSeconds:  rl.PerSeconds,
			BurstSize:   rl.BurstSize,
		}
	}
	existing, err := store.GetModel(ctx, provider, me.Name)
	switch {
	case err == nil:
		row.CreatedAt = existing.CreatedAt
		return store.UpdateModel(ctx, row)
	case errors.Is(err, relay.ErrNotFound):
		row.CreatedAt = now
		return store.CreateModel(ctx, row)
	default:
		return err
	}
}

func syncCredential(ctx context.Context, store storage.Store, ce CredentialEntry, now time.Time) error {
	row := &relay.Credential{
		Name:             ce.Name,
		SecretEnv:        ce.SecretEnv,
		Active:           ce.IsActive(),
		AllowedProviders: ce.AllowedProviders,
		AllowedModels:    ce.AllowedModels,
		ParameterLimits:  ce.ParameterLimits,
		UpdatedAt:        now,
	}
	// A literal secret is hashed here and the plaintext dropped; indirect
	// secrets resolve at catalog refresh so rotation needs no restart.
	if ce.Secret != "" {
		row.SecretHash = relay.HashSecret(ce.Secret)
	}

	existing, err := store.GetCredentialByName(ctx, ce.Name)
	switch {
	case err == nil:
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		return store.UpdateCredential(ctx, row)
	case errors.Is(err, relay.ErrNotFound):
		row.ID = uuid.Must(uuid.NewV7()).String()
		row.CreatedAt = now
		return store.CreateCredential(ctx, row)
	default:
		return err
	}
}
