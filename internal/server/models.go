package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	relay "github.com/modelrelay/relay/internal"
)

// modelSummary is the catalog listing shape: enough to route against, no
// config detail.
type modelSummary struct {
	Provider    string   `json:"provider"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Active      bool     `json:"active"`
}

func summarize(models []*relay.Model) []modelSummary {
	out := make([]modelSummary, 0, len(models))
	for _, m := range models {
		out = append(out, modelSummary{
			Provider:    m.Provider,
			Name:        m.Name,
			DisplayName: m.DisplayName,
			Tags:        m.Tags,
			Active:      m.Active,
		})
	}
	return out
}

// handleListModels serves GET /models with every catalog model.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": summarize(s.deps.Catalog.Models())})
}

// handleProviderModels serves GET /models/{provider}.
func (s *server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	models, err := s.deps.Catalog.ModelsByProvider(provider)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": summarize(models)})
}

// handleModelDetail serves GET /models/{provider}/{model} with the full row,
// config and rate limit included.
func (s *server) handleModelDetail(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Catalog.ModelInfo(chi.URLParam(r, "provider"), chi.URLParam(r, "model"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
