package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/auth"
)

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relay.ErrNotFound), errors.Is(err, relay.ErrConflict), errors.Is(err, relay.ErrBadRequest):
		writeError(w, err)
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error", "internal-error"))
	}
}

// refreshCatalog reloads the snapshot after a catalog mutation so the change
// is visible without waiting for the next periodic refresh.
func (s *server) refreshCatalog(r *http.Request) {
	if err := s.deps.Catalog.Refresh(r.Context()); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "catalog refresh after mutation failed",
			slog.String("error", err.Error()))
	}
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if providers == nil {
		providers = []*relay.Provider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": providers})
}

// providerCreateRequest mirrors relay.Provider but accepts the upstream key,
// which the row type deliberately never serializes back out.
type providerCreateRequest struct {
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	BaseURL   string         `json:"base_url,omitempty"`
	APIKey    string         `json:"api_key,omitempty"`
	APIKeyEnv string         `json:"api_key_env,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	Active    *bool          `json:"active,omitempty"`
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required", "bad-request"))
		return
	}
	if !relay.ProviderType(req.Type).Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("unknown provider type "+req.Type, "bad-request"))
		return
	}
	now := time.Now().UTC()
	p := &relay.Provider{
		Name:      req.Name,
		Type:      relay.ProviderType(req.Type),
		BaseURL:   req.BaseURL,
		APIKey:    req.APIKey,
		APIKeyEnv: req.APIKeyEnv,
		Settings:  req.Settings,
		Active:    req.Active == nil || *req.Active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateProvider(r.Context(), p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.refreshCatalog(r)
	w.Header().Set("Location", "/providers/"+p.Name)
	writeJSON(w, http.StatusCreated, p)
}

// --- Models ---

func (s *server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var m relay.Model
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.Provider == "" || m.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("provider and name are required", "bad-request"))
		return
	}
	if _, err := s.deps.Store.GetProvider(r.Context(), m.Provider); err != nil {
		writeAdminError(w, r, err)
		return
	}
	m.Tags = relay.NormalizeTags(m.Tags)
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	if err := s.deps.Store.CreateModel(r.Context(), &m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.refreshCatalog(r)
	w.Header().Set("Location", "/models/"+m.Provider+"/"+m.Name)
	writeJSON(w, http.StatusCreated, m)
}

// modelUpdateRequest is a partial update; nil fields keep the stored value.
type modelUpdateRequest struct {
	DisplayName   *string            `json:"display_name,omitempty"`
	Description   *string            `json:"description,omitempty"`
	RemoteID      *string            `json:"remote_id,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
	DefaultParams relay.Params       `json:"default_params,omitempty"`
	Config        *relay.ModelConfig `json:"config,omitempty"`
	RateLimit     *relay.RateLimit   `json:"rate_limit,omitempty"`
	Active        *bool              `json:"active,omitempty"`
}

func (s *server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	name := chi.URLParam(r, "model")
	existing, err := s.deps.Store.GetModel(r.Context(), provider, name)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var update modelUpdateRequest
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.DisplayName != nil {
		existing.DisplayName = *update.DisplayName
	}
	if update.Description != nil {
		existing.Description = *update.Description
	}
	if update.RemoteID != nil {
		existing.RemoteID = *update.RemoteID
	}
	if update.Tags != nil {
		existing.Tags = relay.NormalizeTags(update.Tags)
	}
	if update.DefaultParams != nil {
		existing.DefaultParams = update.DefaultParams
	}
	if update.Config != nil {
		existing.Config = *update.Config
	}
	if update.RateLimit != nil {
		if update.RateLimit.MaxRequests <= 0 {
			// A zeroed rate_limit object clears the limit.
			existing.RateLimit = nil
		} else {
			existing.RateLimit = update.RateLimit
		}
	}
	if update.Active != nil {
		existing.Active = *update.Active
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateModel(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.refreshCatalog(r)
	writeJSON(w, http.StatusOK, existing)
}

// --- API keys ---

// keyCreateRequest is the payload for minting a caller credential.
type keyCreateRequest struct {
	Name             string             `json:"name,omitempty"`
	AllowedProviders []string           `json:"allowed_providers,omitempty"`
	AllowedModels    []string           `json:"allowed_models,omitempty"`
	ParameterLimits  map[string]float64 `json:"parameter_limits,omitempty"`
}

// keyCreateResponse includes the plaintext secret (shown only once).
type keyCreateResponse struct {
	*relay.Credential
	PlaintextKey string `json:"key"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.Creds == nil {
		writeError(w, fmt.Errorf("credential management disabled: %w", relay.ErrNotFound))
		return
	}
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	plaintext, cred, err := s.deps.Creds.Create(r.Context(), auth.CreateOpts{
		Name:             req.Name,
		AllowedProviders: req.AllowedProviders,
		AllowedModels:    req.AllowedModels,
		ParameterLimits:  req.ParameterLimits,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.refreshCatalog(r)
	w.Header().Set("Location", "/api-keys/"+cred.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{Credential: cred, PlaintextKey: plaintext})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Store.ListCredentials(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if creds == nil {
		creds = []*relay.Credential{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": creds})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	cred, err := s.deps.Store.GetCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// keyUpdateRequest is a partial credential update; nil fields keep the
// stored value. The secret itself is immutable -- rotate by create+delete.
type keyUpdateRequest struct {
	Name             *string            `json:"name,omitempty"`
	Active           *bool              `json:"active,omitempty"`
	AllowedProviders []string           `json:"allowed_providers,omitempty"`
	AllowedModels    []string           `json:"allowed_models,omitempty"`
	ParameterLimits  map[string]float64 `json:"parameter_limits,omitempty"`
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetCredential(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var update keyUpdateRequest
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.Name != nil {
		existing.Name = *update.Name
	}
	if update.Active != nil {
		existing.Active = *update.Active
	}
	if update.AllowedProviders != nil {
		existing.AllowedProviders = update.AllowedProviders
	}
	if update.AllowedModels != nil {
		existing.AllowedModels = update.AllowedModels
	}
	if update.ParameterLimits != nil {
		existing.ParameterLimits = update.ParameterLimits
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateCredential(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Invalidate != nil {
		s.deps.Invalidate.InvalidateCredential(id)
	}
	s.refreshCatalog(r)
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteCredential(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Invalidate != nil {
		s.deps.Invalidate.InvalidateCredential(id)
	}
	s.refreshCatalog(r)
	w.WriteHeader(http.StatusNoContent)
}
