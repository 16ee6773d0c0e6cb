package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/modelrelay/relay/internal"
)

// chatRequest is the OpenAI-shape request body accepted by the shim.
type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []relay.Message `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             any             `json:"stop,omitempty"`
	N                *int            `json:"n,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
}

// params lifts the OpenAI top-level tuning fields into the parameter map the
// adapters consume. Only fields the caller actually sent are present.
func (c *chatRequest) params() relay.Params {
	p := relay.Params{}
	if c.Temperature != nil {
		p["temperature"] = *c.Temperature
	}
	if c.TopP != nil {
		p["top_p"] = *c.TopP
	}
	if c.MaxTokens != nil {
		p["max_tokens"] = *c.MaxTokens
	}
	if c.Stop != nil {
		p["stop"] = c.Stop
	}
	if c.PresencePenalty != nil {
		p["presence_penalty"] = *c.PresencePenalty
	}
	if c.FrequencyPenalty != nil {
		p["frequency_penalty"] = *c.FrequencyPenalty
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

func (c *chatRequest) invokeRequest() *relay.InvokeRequest {
	return &relay.InvokeRequest{
		Messages:   c.Messages,
		Parameters: c.params(),
		Stream:     c.Stream,
	}
}

// chatResponse is the OpenAI-shape completion reply.
type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

// resolveModelRef turns the shim's model field into a catalog target.
// "provider/model" is explicit; a bare name leans on the session's bound
// provider; an empty ref resolves to the full binding.
func resolveModelRef(p *relay.Principal, ref string) (provider, model string, err error) {
	if i := strings.IndexByte(ref, '/'); i > 0 && i < len(ref)-1 {
		return ref[:i], ref[i+1:], nil
	}
	if p != nil && p.BoundProvider != "" {
		if ref != "" {
			return p.BoundProvider, ref, nil
		}
		if p.BoundModel != "" {
			return p.BoundProvider, p.BoundModel, nil
		}
	}
	if ref == "" {
		return "", "", fmt.Errorf("%w: model is required", relay.ErrBadRequest)
	}
	return "", "", fmt.Errorf("%w: model %q must be provider/model unless a session binding supplies the provider", relay.ErrBadRequest, ref)
}

// handleChatCompletions serves POST /v1/chat/completions, the
// OpenAI-compatible shim over the invocation pipeline.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := relay.PrincipalFromContext(r.Context())
	provider, model, err := resolveModelRef(p, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	s.completeChat(w, r, provider, model, &req)
}

// handleModelChatCompletions serves the per-model OpenAI endpoint
// POST /models/{provider}/{model}/v1/chat/completions; the URL fixes the
// target so no model body field is needed.
func (s *server) handleModelChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.completeChat(w, r, chi.URLParam(r, "provider"), chi.URLParam(r, "model"), &req)
}

func (s *server) completeChat(w http.ResponseWriter, r *http.Request, provider, model string, req *chatRequest) {
	p := relay.PrincipalFromContext(r.Context())
	inv := req.invokeRequest()
	ref := provider + "/" + model

	if req.Stream {
		ch, err := s.deps.Engine.InvokeStream(r.Context(), provider, model, p, inv)
		if err != nil {
			writeError(w, err)
			return
		}
		s.streamToClient(w, r, ref, ch)
		return
	}

	ctx, cancel := s.invokeContext(r)
	defer cancel()
	resp, err := s.deps.Engine.Invoke(ctx, provider, model, p, inv)
	if err != nil {
		writeError(w, err)
		return
	}

	out := chatResponse{
		ID:      "chatcmpl-" + relay.RequestIDFromContext(r.Context()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   ref,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: relay.RoleAssistant, Content: resp.OutputText},
			FinishReason: "stop",
		}},
	}
	if resp.Usage != nil {
		out.Usage = &chatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Cost:             resp.Cost,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// openaiModel is one entry of the OpenAI-shape model list.
type openaiModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type openaiModelList struct {
	Object string        `json:"object"`
	Data   []openaiModel `json:"data"`
}

// handleOpenAIModels serves GET /v1/models with the active catalog in OpenAI
// list shape. IDs are "provider/model" so they round-trip through the shim.
func (s *server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	models := s.deps.Catalog.Models()
	out := openaiModelList{Object: "list", Data: make([]openaiModel, 0, len(models))}
	for _, m := range models {
		if !m.Active {
			continue
		}
		out.Data = append(out.Data, openaiModel{
			ID:      m.Key(),
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: m.Provider,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
