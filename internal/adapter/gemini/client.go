package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter"
	"github.com/modelrelay/relay/internal/cloudauth"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// cloudScope is the OAuth2 scope requested in gcp_oauth mode.
	cloudScope = "https://www.googleapis.com/auth/cloud-platform"
)

var _ relay.Adapter = (*Adapter)(nil)

// Adapter speaks the Gemini generateContent API. Providers authenticate
// with an API key in the query string, or with ADC bearer tokens when the
// provider sets `auth: gcp_oauth`.
type Adapter struct {
	http *http.Client

	mu    sync.Mutex
	oauth *http.Client // lazily built; shared by all gcp_oauth providers
}

// New creates a Gemini Adapter using the shared upstream client.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{http: client}
}

// Type returns the provider type this adapter serves.
func (a *Adapter) Type() relay.ProviderType { return relay.TypeGemini }

// Invoke sends a non-streaming generateContent request.
func (a *Adapter) Invoke(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
	wireReq, err := translateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", snap.Provider.Name, err)
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var raw []byte
	err = a.doWithAuth(ctx, snap, func(client *http.Client, key string) error {
		resp, err := a.do(ctx, client, snap.Provider.Name, a.endpoint(snap, "generateContent", key), body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%s: read response: %w", snap.Provider.Name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parseResponse(raw), nil
}

// Stream sends a streaming generateContent request. Gemini's SSE variant is
// EOF-terminated and carries cumulative usage in each chunk.
func (a *Adapter) Stream(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (<-chan relay.StreamChunk, error) {
	wireReq, err := translateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", snap.Provider.Name, err)
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var resp *http.Response
	err = a.doWithAuth(ctx, snap, func(client *http.Client, key string) error {
		r, err := a.do(ctx, client, snap.Provider.Name, a.endpoint(snap, "streamGenerateContent", key), body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan relay.StreamChunk, 8)
	go readStream(ctx, snap.Provider.Name, resp.Body, ch)
	return ch, nil
}

// doWithAuth runs fn with the right client/key pair for the provider's auth
// mode. API-key providers get one-step key rotation; OAuth providers carry
// their credential in the transport and call once.
func (a *Adapter) doWithAuth(ctx context.Context, snap relay.Snapshot, fn func(client *http.Client, key string) error) error {
	if snap.Provider.Setting("auth", "") == "gcp_oauth" {
		client, err := a.oauthClient(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", snap.Provider.Name, err)
		}
		return fn(client, "")
	}
	return adapter.DoWithKeys(snap.Keys, func(key string) error {
		return fn(a.http, key)
	})
}

// oauthClient builds the ADC-backed client on first use and reuses it; the
// token source caches and refreshes tokens internally.
func (a *Adapter) oauthClient(ctx context.Context) (*http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.oauth != nil {
		return a.oauth, nil
	}
	t, err := cloudauth.NewGCPOAuthTransport(ctx, a.http.Transport, cloudScope)
	if err != nil {
		return nil, err
	}
	a.oauth = &http.Client{Transport: t}
	return a.oauth, nil
}

func (a *Adapter) do(ctx context.Context, client *http.Client, name, endpoint string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, adapter.WrapTransport(name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(name, resp)
	}
	return resp, nil
}

// endpoint builds the model method URL. Streaming adds alt=sse; API keys
// ride in the query string.
func (a *Adapter) endpoint(snap relay.Snapshot, method, key string) string {
	base := defaultBaseURL
	if snap.Provider.BaseURL != "" {
		base = strings.TrimRight(snap.Provider.BaseURL, "/")
	}
	u := fmt.Sprintf("%s/models/%s:%s", base, snap.Model.Remote(), method)

	q := url.Values{}
	if method == "streamGenerateContent" {
		q.Set("alt", "sse")
	}
	if key != "" {
		q.Set("key", key)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
