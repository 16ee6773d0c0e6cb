package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// Pre-allocated byte slices for SSE framing. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
	sseKeepAlive  = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// sseWriter frames chat.completion.chunk events onto an HTTP response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64
}

// newSSEWriter writes stream headers and returns a framer, or false when the
// ResponseWriter cannot flush (streaming is then impossible).
func newSSEWriter(w http.ResponseWriter, id, model string) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return nil, false
	}
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{
		w:       w,
		flusher: flusher,
		id:      id,
		model:   model,
		created: time.Now().Unix(),
	}, true
}

// chunkFrame is one chat.completion.chunk SSE payload.
type chunkFrame struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chatUsage    `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

var finishStop = "stop"

// Delta frames one text fragment.
func (s *sseWriter) Delta(text string) {
	s.frame(chunkFrame{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Delta: chunkDelta{Content: text}}},
	})
}

// Finish frames the terminal chunk carrying the finish reason and, when the
// upstream reported it, usage.
func (s *sseWriter) Finish(usage *relay.Usage) {
	f := chunkFrame{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Delta: chunkDelta{}, FinishReason: &finishStop}},
	}
	if usage != nil {
		f.Usage = &chatUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	s.frame(f)
}

// Done writes the stream termination sentinel.
func (s *sseWriter) Done() {
	s.w.Write(sseDone)
	s.flusher.Flush()
}

// KeepAlive writes an SSE comment so idle proxies hold the connection open.
func (s *sseWriter) KeepAlive() {
	s.w.Write(sseKeepAlive)
	s.flusher.Flush()
}

func (s *sseWriter) frame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.w.Write(sseDataPrefix)
	s.w.Write(data)
	s.w.Write(sseNewline)
	s.flusher.Flush()
}

// streamToClient relays engine chunks to the SSE connection until the stream
// finishes or the client leaves. Upstream errors after headers are sent can
// only be logged and the stream terminated.
func (s *server) streamToClient(w http.ResponseWriter, r *http.Request, model string, ch <-chan relay.StreamChunk) {
	id := "chatcmpl-" + relay.RequestIDFromContext(r.Context())
	sw, ok := newSSEWriter(w, id, model)
	if !ok {
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, open := <-ch:
			if !open {
				sw.Done()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
					slog.String("model", model))
				sw.Done()
				return
			}
			if chunk.Done {
				sw.Finish(chunk.Usage)
				sw.Done()
				return
			}
			if chunk.Delta != "" {
				sw.Delta(chunk.Delta)
			}

		case <-keepAlive.C:
			sw.KeepAlive()

		case <-r.Context().Done():
			return
		}
	}
}
