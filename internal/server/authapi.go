package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// loginRequest carries the credential secret; the Authorization header is an
// accepted alternative for clients that already send Bearer everywhere.
type loginRequest struct {
	APIKey string `json:"api_key"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // seconds
	Message   string `json:"message"`
}

// handleLogin serves POST /auth/login: a valid credential secret buys a
// session token.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	secret := req.APIKey
	if secret == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			secret = strings.TrimPrefix(h, "Bearer ")
		}
	}
	sess, err := s.deps.Sessions.Login(r.Context(), secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresIn: int64(time.Until(sess.ExpiresAt).Seconds()),
		Message:   "session issued",
	})
}

// handleLogout serves POST /auth/logout, revoking the caller's session.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := relay.PrincipalFromContext(r.Context())
	if p == nil || p.SessionToken == "" {
		writeError(w, fmt.Errorf("%w: session required", relay.ErrAuthRequired))
		return
	}
	if err := s.deps.Sessions.Logout(p.SessionToken); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session revoked"})
}

// bindRequest names the model the session should pin.
type bindRequest struct {
	ProviderName string `json:"provider_name"`
	ModelName    string `json:"model_name"`
}

// handleBindModel serves POST /auth/bind-model. The binding replaces any
// previous one; it only succeeds for a model that exists and that the
// caller's credential may use.
func (s *server) handleBindModel(w http.ResponseWriter, r *http.Request) {
	p := relay.PrincipalFromContext(r.Context())
	if p == nil || p.SessionToken == "" {
		writeError(w, fmt.Errorf("%w: session required", relay.ErrAuthRequired))
		return
	}
	var req bindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProviderName == "" || req.ModelName == "" {
		writeError(w, fmt.Errorf("%w: provider_name and model_name are required", relay.ErrBadRequest))
		return
	}
	if _, err := s.deps.Catalog.ModelInfo(req.ProviderName, req.ModelName); err != nil {
		writeError(w, err)
		return
	}
	if !p.Anonymous() && !p.Credential.AllowsModel(req.ProviderName, req.ModelName) {
		writeError(w, fmt.Errorf("model %q: %w", req.ProviderName+"/"+req.ModelName, relay.ErrForbidden))
		return
	}
	if err := s.deps.Sessions.Bind(p.SessionToken, req.ProviderName, req.ModelName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "bound to " + req.ProviderName + "/" + req.ModelName,
	})
}
