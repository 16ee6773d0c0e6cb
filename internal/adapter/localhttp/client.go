// Package localhttp implements the relay.Adapter for the two plain-HTTP
// runner shapes: transformers-local (POST {base}/generate, reply {text})
// and generic-http (configurable endpoint and auth header). Neither shape
// streams; callers fall back to Invoke.
package localhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter"
)

var _ relay.Adapter = (*Adapter)(nil)

// Adapter serves one of the local HTTP provider types. One instance is
// registered for transformers-local and one for generic-http.
type Adapter struct {
	typ  relay.ProviderType
	http *http.Client
}

// New creates an Adapter for the given provider type. typ must be
// TypeTransformersLocal or TypeGenericHTTP.
func New(typ relay.ProviderType, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{typ: typ, http: client}
}

// Type returns the provider type this instance serves.
func (a *Adapter) Type() relay.ProviderType { return a.typ }

// Invoke sends one POST to the runner and extracts the reply text.
func (a *Adapter) Invoke(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
	base := strings.TrimRight(snap.Provider.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("%s: base_url required for local providers: %w", snap.Provider.Name, relay.ErrBadRequest)
	}

	var endpoint string
	var payload map[string]any
	if a.typ == relay.TypeTransformersLocal {
		endpoint = base + "/generate"
		payload = map[string]any{
			"prompt":     flattenPrompt(req),
			"parameters": req.Parameters,
		}
	} else {
		endpoint = base + snap.Provider.Setting("endpoint", "/invoke")
		payload = map[string]any{
			"model":      snap.Model.Remote(),
			"prompt":     req.Prompt,
			"messages":   req.Messages,
			"parameters": req.Parameters,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var raw []byte
	err = adapter.DoWithKeys(snap.Keys, func(key string) error {
		resp, err := a.do(ctx, snap, endpoint, key, body)
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
	return a.parseResponse(raw), nil
}

// Stream is not supported by either local shape.
func (a *Adapter) Stream(_ context.Context, snap relay.Snapshot, _ *relay.InvokeRequest) (<-chan relay.StreamChunk, error) {
	return nil, fmt.Errorf("%s: streaming not supported: %w", snap.Provider.Name, relay.ErrBadRequest)
}

func (a *Adapter) do(ctx context.Context, snap relay.Snapshot, endpoint, key string, body []byte) (*http.Response, error) {
	name := snap.Provider.Name
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		header := "Authorization"
		if a.typ == relay.TypeGenericHTTP {
			header = snap.Provider.Setting("auth_header", "Authorization")
		}
		value := key
		if header == "Authorization" {
			value = "Bearer " + key
		}
		httpReq.Header.Set(header, value)
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

// parseResponse extracts reply text: transformers replies carry {text},
// generic runners may use output, text, or data, any of which may be a
// string or a list of strings.
func (a *Adapter) parseResponse(data []byte) *relay.InvokeResponse {
	r := gjson.ParseBytes(data)
	out := &relay.InvokeResponse{Raw: append([]byte(nil), data...)}

	if a.typ == relay.TypeTransformersLocal {
		out.OutputText = joined(r.Get("text"))
		return out
	}

	for _, field := range []string{"output", "text", "data"} {
		if v := r.Get(field); v.Exists() {
			out.OutputText = joined(v)
			break
		}
	}
	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		out.Usage = &relay.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return out
}

// joined renders a string result directly and joins array results with
// newlines.
func joined(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var parts []string
	v.ForEach(func(_, e gjson.Result) bool {
		parts = append(parts, e.String())
		return true
	})
	return strings.Join(parts, "\n")
}

// flattenPrompt renders the request as a single prompt string for runners
// that have no conversation concept.
func flattenPrompt(req *relay.InvokeRequest) string {
	if req.Prompt != "" {
		return req.Prompt
	}
	var b strings.Builder
	for _, m := range req.Messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text())
	}
	return b.String()
}
