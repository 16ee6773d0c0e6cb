package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/router"
)

// handleDirectInvoke serves POST /models/{provider}/{model}/invoke.
func (s *server) handleDirectInvoke(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	model := chi.URLParam(r, "model")

	var req relay.InvokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.invoke(w, r, provider, model, &req)
}

// routeInvokeRequest is the POST /route/invoke body.
type routeInvokeRequest struct {
	Query   router.Query        `json:"query"`
	Request relay.InvokeRequest `json:"request"`
}

// handleRouteInvoke serves POST /route/invoke: the query picks the model,
// then the call proceeds exactly like a direct invoke of it.
func (s *server) handleRouteInvoke(w http.ResponseWriter, r *http.Request) {
	var req routeInvokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := relay.PrincipalFromContext(r.Context())
	m, err := s.deps.Engine.Select(req.Query, p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.invoke(w, r, m.Provider, m.Name, &req.Request)
}

// invoke runs the shared invocation tail: streaming requests switch to SSE,
// everything else answers with the normalized response JSON.
func (s *server) invoke(w http.ResponseWriter, r *http.Request, provider, model string, req *relay.InvokeRequest) {
	p := relay.PrincipalFromContext(r.Context())

	if req.Stream {
		ch, err := s.deps.Engine.InvokeStream(r.Context(), provider, model, p, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.streamToClient(w, r, provider+"/"+model, ch)
		return
	}

	ctx, cancel := s.invokeContext(r)
	defer cancel()
	resp, err := s.deps.Engine.Invoke(ctx, provider, model, p, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// invokeContext applies the configured request timeout to a non-streaming
// invocation. The deadline also lets the rate limiter reject immediately
// when the wait would outlast the request.
func (s *server) invokeContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.deps.RequestTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), s.deps.RequestTimeout)
}
