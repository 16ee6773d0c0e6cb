// Package ollama implements the relay.Adapter for Ollama's native API:
// /api/chat for conversations and /api/generate for bare prompts.
package ollama

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
	"github.com/modelrelay/relay/internal/adapter/sseutil"
)

const defaultBaseURL = "http://localhost:11434"

var _ relay.Adapter = (*Adapter)(nil)

// Adapter speaks Ollama's native JSON API. Responses stream as NDJSON
// rather than SSE; the final line carries done=true plus the token counts.
type Adapter struct {
	http *http.Client
}

// New creates an Ollama Adapter using the shared upstream client.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{http: client}
}

// Type returns the provider type this adapter serves.
func (a *Adapter) Type() relay.ProviderType { return relay.TypeOllamaLocal }

// Invoke sends a non-streaming request to /api/chat or /api/generate
// depending on the request shape.
func (a *Adapter) Invoke(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
	endpoint, payload, err := buildRequest(snap, req, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", snap.Provider.Name, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var raw []byte
	err = adapter.DoWithKeys(snap.Keys, func(key string) error {
		resp, err := a.do(ctx, snap.Provider.Name, baseURL(snap)+endpoint, key, body)
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

// Stream sends a streaming request and translates the NDJSON lines into
// text deltas.
func (a *Adapter) Stream(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (<-chan relay.StreamChunk, error) {
	endpoint, payload, err := buildRequest(snap, req, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", snap.Provider.Name, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", snap.Provider.Name, err)
	}

	var resp *http.Response
	err = adapter.DoWithKeys(snap.Keys, func(key string) error {
		r, err := a.do(ctx, snap.Provider.Name, baseURL(snap)+endpoint, key, body)
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
	go a.readNDJSON(ctx, snap.Provider.Name, resp, ch)
	return ch, nil
}

// readNDJSON reads one JSON object per line until the done line or EOF.
func (a *Adapter) readNDJSON(ctx context.Context, name string, resp *http.Response, ch chan<- relay.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r := gjson.Parse(line)

		if errMsg := r.Get("error").String(); errMsg != "" {
			ch <- relay.StreamChunk{Err: fmt.Errorf("%s: stream error: %s: %w", name, errMsg, relay.ErrUpstream)}
			return
		}
		if r.Get("done").Bool() {
			ch <- relay.StreamChunk{Done: true, Usage: parseUsage(r)}
			return
		}

		delta := r.Get("message.content").String()
		if delta == "" {
			delta = r.Get("response").String()
		}
		if delta == "" {
			continue
		}
		select {
		case ch <- relay.StreamChunk{Delta: delta}:
		case <-ctx.Done():
			ch <- relay.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- relay.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", name, err)}
		return
	}
	ch <- relay.StreamChunk{Done: true}
}

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

// buildRequest picks the endpoint by request shape and assembles the body.
// Bare prompts use /api/generate; conversations use /api/chat.
func buildRequest(snap relay.Snapshot, req *relay.InvokeRequest, stream bool) (string, map[string]any, error) {
	body := map[string]any{
		"model":  snap.Model.Remote(),
		"stream": stream,
	}
	if opts := wireOptions(req.Parameters); opts != nil {
		body["options"] = opts
	}

	if req.Prompt != "" && len(req.Messages) == 0 {
		body["prompt"] = req.Prompt
		return "/api/generate", body, nil
	}

	msgs := make([]map[string]any, 0, len(req.Messages))
	for i, m := range req.Messages {
		wm, err := wireMessage(m)
		if err != nil {
			return "", nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, wm)
	}
	body["messages"] = msgs
	return "/api/chat", body, nil
}

// wireMessage flattens content to text, moving image parts to the images
// list the way Ollama expects base64 payloads.
func wireMessage(m relay.Message) (map[string]any, error) {
	parts, ok := m.Parts()
	if !ok {
		return nil, fmt.Errorf("%w: malformed content", relay.ErrBadRequest)
	}
	out := map[string]any{"role": m.Role}
	var text strings.Builder
	var images []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(p.Text)
		case "image-ref":
			if p.Data == "" {
				return nil, fmt.Errorf("%w: image parts require inline data for this provider", relay.ErrBadRequest)
			}
			images = append(images, p.Data)
		default:
			return nil, fmt.Errorf("%w: content type %q not supported by this provider", relay.ErrBadRequest, p.Type)
		}
	}
	out["content"] = text.String()
	if len(images) > 0 {
		out["images"] = images
	}
	return out, nil
}

// wireOptions nests caller parameters under Ollama's options object,
// renaming max_tokens to num_predict.
func wireOptions(p relay.Params) map[string]any {
	if len(p) == 0 {
		return nil
	}
	opts := make(map[string]any, len(p))
	for k, v := range p {
		switch k {
		case "max_tokens":
			opts["num_predict"] = v
		case "model", "stream":
		default:
			opts[k] = v
		}
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// parseResponse handles both the chat and generate response shapes.
func parseResponse(data []byte) *relay.InvokeResponse {
	r := gjson.ParseBytes(data)
	out := &relay.InvokeResponse{Raw: append([]byte(nil), data...)}

	if c := r.Get("message.content"); c.Exists() {
		out.OutputText = c.String()
	} else {
		out.OutputText = r.Get("response").String()
	}
	out.Usage = parseUsage(r)
	return out
}

func parseUsage(r gjson.Result) *relay.Usage {
	prompt := r.Get("prompt_eval_count")
	eval := r.Get("eval_count")
	if !prompt.Exists() && !eval.Exists() {
		return nil
	}
	u := &relay.Usage{
		PromptTokens:     int(prompt.Int()),
		CompletionTokens: int(eval.Int()),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func baseURL(snap relay.Snapshot) string {
	if snap.Provider.BaseURL != "" {
		return strings.TrimRight(snap.Provider.BaseURL, "/")
	}
	return defaultBaseURL
}
