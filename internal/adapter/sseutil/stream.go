package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	relay "github.com/modelrelay/relay/internal"
)

// ReadOpenAIStream reads OpenAI-format SSE chunks from resp and sends the
// extracted text deltas on ch. Usage arrives on the final data chunk when the
// request asked for include_usage and is carried on the closing Done chunk.
// The channel is closed when the stream ends.
func ReadOpenAIStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- relay.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	var usage *relay.Usage
	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- relay.StreamChunk{Done: true, Usage: usage}
			return
		}

		if u := gjson.Get(data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var parsed relay.Usage
			if json.Unmarshal([]byte(u.Raw), &parsed) == nil && parsed.TotalTokens > 0 {
				usage = &parsed
			}
		}

		delta := gjson.Get(data, "choices.0.delta.content")
		if !delta.Exists() || delta.String() == "" {
			continue
		}
		select {
		case ch <- relay.StreamChunk{Delta: delta.String()}:
		case <-ctx.Done():
			ch <- relay.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- relay.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
		return
	}
	// Upstream closed without [DONE]; treat as a complete stream.
	ch <- relay.StreamChunk{Done: true, Usage: usage}
}
