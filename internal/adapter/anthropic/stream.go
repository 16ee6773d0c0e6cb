package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/adapter/sseutil"
)

// streamState accumulates usage across the Anthropic event stream.
// input_tokens arrive on message_start, output_tokens on message_delta.
type streamState struct {
	inputTokens  int
	outputTokens int
}

// readStream reads Anthropic SSE events and emits normalized text deltas.
func readStream(ctx context.Context, name string, body io.ReadCloser, ch chan<- relay.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var state streamState
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		switch currentEvent {
		case "message_start":
			state.inputTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
		case "content_block_delta":
			r := gjson.Parse(data)
			if r.Get("delta.type").String() != "text_delta" {
				break
			}
			text := r.Get("delta.text").String()
			if text == "" {
				break
			}
			select {
			case ch <- relay.StreamChunk{Delta: text}:
			case <-ctx.Done():
				ch <- relay.StreamChunk{Err: ctx.Err()}
				return
			}
		case "message_delta":
			state.outputTokens = int(gjson.Get(data, "usage.output_tokens").Int())
		case "message_stop":
			ch <- relay.StreamChunk{Done: true, Usage: state.usage()}
			return
		case "error":
			msg := gjson.Get(data, "error.message").String()
			ch <- relay.StreamChunk{Err: fmt.Errorf("%s: stream error: %s: %w", name, msg, relay.ErrUpstream)}
			return
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		ch <- relay.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", name, err)}
		return
	}
	// Upstream closed without message_stop; report what we have.
	ch <- relay.StreamChunk{Done: true, Usage: state.usage()}
}

func (s *streamState) usage() *relay.Usage {
	if s.inputTokens == 0 && s.outputTokens == 0 {
		return nil
	}
	return &relay.Usage{
		PromptTokens:     s.inputTokens,
		CompletionTokens: s.outputTokens,
		TotalTokens:      s.inputTokens + s.outputTokens,
	}
}
