// Package openaic implements the relay.Adapter for the OpenAI-compatible
// wire family (openai, grok, deepseek, qwen, kimi, glm, openrouter) and for
// vLLM servers, which speak the same format at a configured base URL.
package openaic

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
	"github.com/modelrelay/relay/internal/adapter/sseutil"
)

// family describes one OpenAI-compatible upstream. versionedBase marks
// upstreams whose default base already carries the API version segment, so
// only "/chat/completions" is appended.
type family struct {
	baseURL       string
	versionedBase bool
}

var families = map[string]family{
	"openai":     {baseURL: "https://api.openai.com"},
	"grok":       {baseURL: "https://api.x.ai"},
	"deepseek":   {baseURL: "https://api.deepseek.com"},
	"qwen":       {baseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", versionedBase: true},
	"kimi":       {baseURL: "https://api.moonshot.cn"},
	"glm":        {baseURL: "https://open.bigmodel.cn/api/paas/v4", versionedBase: true},
	"openrouter": {baseURL: "https://openrouter.ai/api"},
}

var _ relay.Adapter = (*Adapter)(nil)

// Adapter speaks the OpenAI chat completions wire format. One instance is
// registered for the openai-compatible type and one for vllm-local; the two
// differ only in base URL policy and streaming support.
type Adapter struct {
	typ  relay.ProviderType
	http *http.Client
}

// New creates an Adapter for the given provider type. typ must be
// TypeOpenAICompatible or TypeVLLMLocal.
func New(typ relay.ProviderType, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{typ: typ, http: client}
}

// Type returns the provider type this instance serves.
func (a *Adapter) Type() relay.ProviderType { return a.typ }

// Invoke sends a non-streaming chat completion request.
func (a *Adapter) Invoke(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
	endpoint, prompt, err := a.endpoint(snap, req)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if prompt {
		payload = completionsBody(snap, req)
	} else {
		payload, err = chatBody(snap, req, false)
		if err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var raw []byte
	err = adapter.DoWithKeys(snap.Keys, func(key string) error {
		resp, err := a.do(ctx, snap.Provider.Name, endpoint, key, body)
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

// Stream sends a streaming chat completion request. vLLM providers reject
// streaming; callers fall back to Invoke.
func (a *Adapter) Stream(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (<-chan relay.StreamChunk, error) {
	if a.typ == relay.TypeVLLMLocal {
		return nil, fmt.Errorf("%s: streaming not supported: %w", snap.Provider.Name, relay.ErrBadRequest)
	}
	endpoint, _, err := a.endpoint(snap, req)
	if err != nil {
		return nil, err
	}

	payload, err := chatBody(snap, req, true)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var resp *http.Response
	err = adapter.DoWithKeys(snap.Keys, func(key string) error {
		r, err := a.do(ctx, snap.Provider.Name, endpoint, key, body)
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
	go sseutil.ReadOpenAIStream(ctx, snap.Provider.Name, resp, ch)
	return ch, nil
}

// do issues one POST and returns the response only on HTTP 200. Any other
// status is parsed into an *adapter.APIError so key rotation can inspect it.
func (a *Adapter) do(ctx context.Context, name, endpoint, key string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
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

// endpoint resolves the upstream URL for this request. The second return
// reports whether the legacy completions shape (bare prompt) applies, which
// only vLLM uses.
func (a *Adapter) endpoint(snap relay.Snapshot, req *relay.InvokeRequest) (string, bool, error) {
	base := strings.TrimRight(snap.Provider.BaseURL, "/")

	if a.typ == relay.TypeVLLMLocal {
		if base == "" {
			return "", false, fmt.Errorf("%s: base_url required for vllm providers: %w", snap.Provider.Name, relay.ErrBadRequest)
		}
		if req.Prompt != "" && len(req.Messages) == 0 {
			return base + "/v1/completions", true, nil
		}
		return base + "/v1/chat/completions", false, nil
	}

	fam := familyOf(snap.Provider)
	if base == "" {
		base = families[fam].baseURL
	}
	if families[fam].versionedBase {
		return base + "/chat/completions", false, nil
	}
	return base + "/v1/chat/completions", false, nil
}

// familyOf picks the wire family from the "family" setting, falling back to
// the provider name when that name is itself a known family, then to openai.
func familyOf(p relay.Provider) string {
	if f := strings.ToLower(p.Setting("family", "")); f != "" {
		if _, ok := families[f]; ok {
			return f
		}
	}
	if _, ok := families[strings.ToLower(p.Name)]; ok {
		return strings.ToLower(p.Name)
	}
	return "openai"
}
