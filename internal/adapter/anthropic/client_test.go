package anthropic

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
		Provider: relay.Provider{Name: "anthropic", Type: relay.TypeAnthropic, BaseURL: baseURL, Active: true},
		Model:    relay.Model{Provider: "anthropic", Name: "claude-sonnet-4-5", Active: true},
		Keys:     keys,
	}
}

func TestInvoke(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Error("missing or wrong x-api-key header")
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["model"] != "claude-sonnet-4-5" {
			t.Errorf("model = %v", body["model"])
		}
		if body["max_tokens"] != float64(1024) {
			t.Errorf("max_tokens = %v, want default 1024", body["max_tokens"])
		}
		if body["system"] != "be brief\n\nbe kind" {
			t.Errorf("system = %v", body["system"])
		}
		msgs := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Fatalf("messages len = %d, want 2 (system turns extracted)", len(msgs))
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}],"usage":{"input_tokens":12,"output_tokens":4}}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	resp, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "sk-ant-test"), &relay.InvokeRequest{
		Messages: []relay.Message{
			relay.TextMessage(relay.RoleSystem, "be brief"),
			relay.TextMessage(relay.RoleSystem, "be kind"),
			relay.TextMessage(relay.RoleUser, "hello"),
			relay.TextMessage(relay.RoleAssistant, "yes?"),
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.OutputText != "Hi there" {
		t.Errorf("OutputText = %q, want %q", resp.OutputText, "Hi there")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %v, want total 16", resp.Usage)
	}
}

func TestInvokeMaxTokensParameter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["max_tokens"] != float64(256) {
			t.Errorf("max_tokens = %v, want 256", body["max_tokens"])
		}
		if body["temperature"] != 0.2 {
			t.Errorf("temperature = %v, want 0.2", body["temperature"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"}]}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	resp, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "k"), &relay.InvokeRequest{
		Prompt:     "hi",
		Parameters: relay.Params{"max_tokens": 256, "temperature": 0.2},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Usage != nil {
		t.Errorf("usage should be nil when upstream omits it, got %v", resp.Usage)
	}
}

func TestInvokeKeyRotation(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("x-api-key") == "expired" {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"}]}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	resp, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "expired", "fresh"), &relay.InvokeRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.OutputText != "ok" {
		t.Errorf("OutputText = %q", resp.OutputText)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestInvokeHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad params"}}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	_, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "k"), &relay.InvokeRequest{Prompt: "hi"})
	if !errors.Is(err, relay.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	sseBody := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"usage\":{\"input_tokens\":9}}}\n\n" +
		"event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("stream should be true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	a := New(srv.Client())
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
	if chunks[0].Delta != "Hel" || chunks[1].Delta != "lo" {
		t.Errorf("deltas = %q, %q", chunks[0].Delta, chunks[1].Delta)
	}
	last := chunks[2]
	if !last.Done {
		t.Fatal("last chunk should be Done")
	}
	if last.Usage == nil || last.Usage.PromptTokens != 9 || last.Usage.CompletionTokens != 2 || last.Usage.TotalTokens != 11 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestStreamUpstreamErrorEvent(t *testing.T) {
	t.Parallel()

	sseBody := "event: error\n" +
		"data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	a := New(srv.Client())
	ch, err := a.Stream(context.Background(), testSnapshot(srv.URL, "k"), &relay.InvokeRequest{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var gotErr error
	for c := range ch {
		if c.Err != nil {
			gotErr = c.Err
		}
	}
	if !errors.Is(gotErr, relay.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", gotErr)
	}
}

func TestImageBlocks(t *testing.T) {
	t.Parallel()

	msg := relay.Message{
		Role: relay.RoleUser,
		Content: json.RawMessage(`[
			{"type":"text","text":"describe"},
			{"type":"image-ref","data":"aGk=","mime_type":"image/jpeg"}
		]`),
	}
	content, err := wireContent(msg)
	if err != nil {
		t.Fatalf("wireContent: %v", err)
	}
	blocks := content.([]map[string]any)
	if len(blocks) != 2 {
		t.Fatalf("blocks len = %d, want 2", len(blocks))
	}
	src := blocks[1]["source"].(map[string]any)
	if src["type"] != "base64" || src["media_type"] != "image/jpeg" || src["data"] != "aGk=" {
		t.Errorf("source = %v", src)
	}
}

func TestToolResultBecomesUserTurn(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		msgs := body["messages"].([]any)
		if len(msgs) != 3 {
			t.Fatalf("messages len = %d, want 3", len(msgs))
		}
		// The Messages API has no tool role; the result is sent as user.
		last := msgs[2].(map[string]any)
		if last["role"] != "user" {
			t.Errorf("tool turn role = %v, want user", last["role"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"42"}]}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	_, err := a.Invoke(context.Background(), testSnapshot(srv.URL, "sk-ant-test"), &relay.InvokeRequest{
		Messages: []relay.Message{
			relay.TextMessage(relay.RoleUser, "what is 6x7?"),
			relay.TextMessage(relay.RoleAssistant, "let me check"),
			relay.TextMessage(relay.RoleTool, "42"),
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestUnsupportedPartRejected(t *testing.T) {
	t.Parallel()

	msg := relay.Message{
		Role:    relay.RoleUser,
		Content: json.RawMessage(`[{"type":"audio-ref","data":"aGk="}]`),
	}
	_, err := wireContent(msg)
	if !errors.Is(err, relay.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}
