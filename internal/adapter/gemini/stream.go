package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter/sseutil"
)

// readStream reads Gemini SSE chunks and emits normalized text deltas.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel -- it is
// EOF-terminated. Each "data:" line contains a full JSON response chunk.
// Usage is cumulative; we track the last seen values and emit them at the end.
func readStream(ctx context.Context, name string, body io.ReadCloser, ch chan<- relay.StreamChunk) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)

	var lastUsage *relay.Usage
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}

		r := gjson.Parse(data)
		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &relay.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		text := r.Get("candidates.0.content.parts.0.text").String()
		if text == "" {
			continue
		}
		select {
		case ch <- relay.StreamChunk{Delta: text}:
		case <-ctx.Done():
			ch <- relay.StreamChunk{Err: ctx.Err()}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- relay.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", name, err)}
		return
	}
	ch <- relay.StreamChunk{Done: true, Usage: lastUsage}
}
