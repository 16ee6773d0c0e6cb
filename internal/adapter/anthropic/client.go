package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

var _ relay.Adapter = (*Adapter)(nil)

// Adapter speaks the Anthropic Messages API.
type Adapter struct {
	http *http.Client
}

// New creates an Anthropic Adapter using the shared upstream client.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{http: client}
}

// Type returns the provider type this adapter serves.
func (a *Adapter) Type() relay.ProviderType { return relay.TypeAnthropic }

// Invoke sends a non-streaming messages request.
func (a *Adapter) Invoke(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
	wireReq, err := translateRequest(snap, req, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", snap.Provider.Name, err)
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var raw []byte
	err = adapter.DoWithKeys(snap.Keys, func(key string) error {
		resp, err := a.do(ctx, snap.Provider.Name, baseURL(snap)+"/messages", key, body)
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

// Stream sends a streaming messages request and translates the event stream
// into text deltas.
func (a *Adapter) Stream(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (<-chan relay.StreamChunk, error) {
	wireReq, err := translateRequest(snap, req, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", snap.Provider.Name, err)
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var resp *http.Response
	err = adapter.DoWithKeys(snap.Keys, func(key string) error {
		r, err := a.do(ctx, snap.Provider.Name, baseURL(snap)+"/messages", key, body)
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

func (a *Adapter) do(ctx context.Context, name, endpoint, key string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if key != "" {
		httpReq.Header.Set("x-api-key", key)
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, adapter.WrapTransport(name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(name, resp)
	}
	return resp, nil
}

func baseURL(snap relay.Snapshot) string {
	if snap.Provider.BaseURL != "" {
		return strings.TrimRight(snap.Provider.BaseURL, "/")
	}
	return defaultBaseURL
}
