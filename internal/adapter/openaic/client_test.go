package openaic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	relay "github.com/modelrelay/relay/internal"
)

func testSnapshot(baseURL string, keys ...string) relay.Snapshot {
	return relay.Snapshot{
		Provider: relay.Provider{Name: "openai", Type: relay.TypeOpenAICompatible, BaseURL: baseURL, Active: true},
		Model:    relay.Model{Provider: "openai", Name: "gpt-4o", Active: true},
		Keys:     keys,
	}
}

func TestInvoke(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or wrong Authorization header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("missing Content-Type header")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["model"] != "gpt-4o" {
			t.Errorf("model = %v, want gpt-4o", body["model"])
		}
		if body["temperature"] != 0.5 {
			t.Errorf("temperature = %v, want 0.5", body["temperature"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"Hello!"}}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`)
	}))
	defer srv.Close()

	a := New(relay.TypeOpenAICompatible, srv.Client())
	resp, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "test-key"), &relay.InvokeRequest{
		Prompt:     "hi",
		Parameters: relay.Params{"temperature": 0.5},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.OutputText != "Hello!" {
		t.Errorf("OutputText = %q, want %q", resp.OutputText, "Hello!")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %v", resp.Usage)
	}
	if len(resp.Raw) == 0 {
		t.Error("raw response should be preserved")
	}
}

func TestInvokeRemoteIDAndMissingUsage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o-2024-11-20" {
			t.Errorf("model = %v, want remote id", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	snap := testSnapshot(srv.URL, "k")
	snap.Model.RemoteID = "gpt-4o-2024-11-20"

	a := New(relay.TypeOpenAICompatible, srv.Client())
	resp, err := a.Invoke(context.Background(), snap, &relay.InvokeRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Usage != nil {
		t.Errorf("usage should be nil when upstream omits it, got %v", resp.Usage)
	}
}

func TestInvokeKeyRotation(t *testing.T) {
	t.Parallel()

	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		seen = append(seen, key)
		if key == "Bearer bad" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	a := New(relay.TypeOpenAICompatible, srv.Client())
	resp, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "bad", "good"), &relay.InvokeRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.OutputText != "ok" {
		t.Errorf("OutputText = %q", resp.OutputText)
	}
	if len(seen) != 2 || seen[1] != "Bearer good" {
		t.Errorf("auth headers = %v, want rotation to second key", seen)
	}
}

func TestInvokeHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"internal error"}}`)
	}))
	defer srv.Close()

	a := New(relay.TypeOpenAICompatible, srv.Client())
	_, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "k"), &relay.InvokeRequest{Prompt: "hi"})
	if !errors.Is(err, relay.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	sseBody := "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":\"Hello\"},\"index\":0}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":\" world\"},\"index\":0}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["stream"] != true {
			t.Error("stream should be true")
		}
		if _, ok := body["stream_options"]; !ok {
			t.Error("stream_options should request usage")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	a := New(relay.TypeOpenAICompatible, srv.Client())
	ch, err := a.Stream(context.Background(), testSnapshot(srv.URL, "k"), &relay.InvokeRequest{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var chunks []relay.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Delta != "Hello" || chunks[1].Delta != " world" {
		t.Errorf("deltas = %q, %q", chunks[0].Delta, chunks[1].Delta)
	}
	if !chunks[2].Done {
		t.Error("last chunk should be Done")
	}
	if chunks[2].Usage == nil || chunks[2].Usage.TotalTokens != 15 {
		t.Errorf("done usage = %v", chunks[2].Usage)
	}
}

func TestStreamHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	a := New(relay.TypeOpenAICompatible, srv.Client())
	_, err := a.Stream(context.Background(), testSnapshot(srv.URL, "k"), &relay.InvokeRequest{Prompt: "hi", Stream: true})
	if err == nil {
		t.Fatal("expected error for HTTP 429")
	}
}

func TestVLLMPromptUsesCompletions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			t.Errorf("path = %s, want /v1/completions", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "complete me" {
			t.Errorf("prompt = %v", body["prompt"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"text":"done"}],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`)
	}))
	defer srv.Close()

	snap := testSnapshot(srv.URL)
	snap.Provider.Type = relay.TypeVLLMLocal

	a := New(relay.TypeVLLMLocal, srv.Client())
	resp, err := a.Invoke(context.Background(), snap, &relay.InvokeRequest{Prompt: "complete me"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.OutputText != "done" {
		t.Errorf("OutputText = %q, want done", resp.OutputText)
	}
}

func TestVLLMMessagesUseChatCompletions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	snap := testSnapshot(srv.URL)
	snap.Provider.Type = relay.TypeVLLMLocal

	a := New(relay.TypeVLLMLocal, srv.Client())
	_, err := a.Invoke(context.Background(), snap, &relay.InvokeRequest{
		Messages: []relay.Message{relay.TextMessage(relay.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestVLLMRequiresBaseURL(t *testing.T) {
	t.Parallel()

	snap := testSnapshot("")
	snap.Provider.Type = relay.TypeVLLMLocal

	a := New(relay.TypeVLLMLocal, nil)
	_, err := a.Invoke(context.Background(), snap, &relay.InvokeRequest{Prompt: "hi"})
	if !errors.Is(err, relay.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestVLLMStreamRejected(t *testing.T) {
	t.Parallel()

	snap := testSnapshot("http://localhost:8000")
	snap.Provider.Type = relay.TypeVLLMLocal

	a := New(relay.TypeVLLMLocal, nil)
	_, err := a.Stream(context.Background(), snap, &relay.InvokeRequest{Prompt: "hi", Stream: true})
	if !errors.Is(err, relay.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestFamilyEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setting string
		want    string
	}{
		{name: "openai", want: "https://api.openai.com/v1/chat/completions"},
		{name: "grok", want: "https://api.x.ai/v1/chat/completions"},
		{name: "deepseek", want: "https://api.deepseek.com/v1/chat/completions"},
		{name: "qwen", want: "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"},
		{name: "kimi", want: "https://api.moonshot.cn/v1/chat/completions"},
		{name: "glm", want: "https://open.bigmodel.cn/api/paas/v4/chat/completions"},
		{name: "openrouter", want: "https://openrouter.ai/api/v1/chat/completions"},
		{name: "my-custom", setting: "deepseek", want: "https://api.deepseek.com/v1/chat/completions"},
		{name: "unknown-name", want: "https://api.openai.com/v1/chat/completions"},
	}

	a := New(relay.TypeOpenAICompatible, nil)
	for _, tt := range tests {
		snap := relay.Snapshot{Provider: relay.Provider{Name: tt.name, Type: relay.TypeOpenAICompatible}}
		if tt.setting != "" {
			snap.Provider.Settings = map[string]any{"family": tt.setting}
		}
		got, _, err := a.endpoint(snap, &relay.InvokeRequest{Prompt: "x"})
		if err != nil {
			t.Fatalf("%s: endpoint: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: endpoint = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMultimodalTranslation(t *testing.T) {
	t.Parallel()

	msgs := []relay.Message{{
		Role: relay.RoleUser,
		Content: json.RawMessage(`[
			{"type":"text","text":"what is this?"},
			{"type":"image-ref","url":"https://example.com/cat.png"},
			{"type":"image-ref","data":"aGk=","mime_type":"image/png"}
		]`),
	}}

	wire, err := wireMessages(msgs)
	if err != nil {
		t.Fatalf("wireMessages: %v", err)
	}
	parts := wire[0]["content"].([]map[string]any)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if parts[0]["type"] != "text" {
		t.Errorf("parts[0] type = %v", parts[0]["type"])
	}
	img := parts[1]["image_url"].(map[string]any)
	if img["url"] != "https://example.com/cat.png" {
		t.Errorf("image url = %v", img["url"])
	}
	inline := parts[2]["image_url"].(map[string]any)
	if inline["url"] != "data:image/png;base64,aGk=" {
		t.Errorf("inline image url = %v", inline["url"])
	}
}

func TestUnsupportedPartRejected(t *testing.T) {
	t.Parallel()

	msgs := []relay.Message{{
		Role:    relay.RoleUser,
		Content: json.RawMessage(`[{"type":"video-ref","url":"https://example.com/clip.mp4"}]`),
	}}
	_, err := wireMessages(msgs)
	if !errors.Is(err, relay.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}
