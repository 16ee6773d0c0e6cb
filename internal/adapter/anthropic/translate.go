// Package anthropic implements the relay.Adapter for the Anthropic Messages API.
package anthropic

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/modelrelay/relay/internal"
)

// defaultMaxTokens applies when the caller did not set max_tokens; the
// Messages API refuses requests without it.
const defaultMaxTokens = 1024

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []wireMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	StopSeqs    []string      `json:"stop_sequences,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []map[string]any blocks
}

// translateRequest converts a normalized request to the Messages API shape.
// System turns are pulled out of the conversation and joined into the
// top-level system field; the wire only accepts user and assistant roles,
// so tool results re-enter the conversation as user turns.
func translateRequest(snap relay.Snapshot, req *relay.InvokeRequest, stream bool) (*messagesRequest, error) {
	out := &messagesRequest{
		Model:     snap.Model.Remote(),
		MaxTokens: defaultMaxTokens,
		Stream:    stream,
	}
	if v, ok := req.Parameters.Int("max_tokens"); ok {
		out.MaxTokens = v
	}
	if v, ok := req.Parameters.Float("temperature"); ok {
		out.Temperature = &v
	}
	if v, ok := req.Parameters.Float("top_p"); ok {
		out.TopP = &v
	}
	if v, ok := req.Parameters.StringList("stop"); ok {
		out.StopSeqs = v
	}

	var systems []string
	for i, m := range req.Conversation() {
		if m.Role == relay.RoleSystem {
			systems = append(systems, m.Text())
			continue
		}
		content, err := wireContent(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		role := m.Role
		if role == relay.RoleTool {
			role = relay.RoleUser
		}
		out.Messages = append(out.Messages, wireMessage{Role: role, Content: content})
	}
	out.System = strings.Join(systems, "\n\n")

	return out, nil
}

// wireContent converts message content to a string or a content block list.
func wireContent(m relay.Message) (any, error) {
	parts, ok := m.Parts()
	if !ok {
		return nil, fmt.Errorf("%w: malformed content", relay.ErrBadRequest)
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text, nil
	}
	blocks := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image-ref":
			blocks = append(blocks, map[string]any{"type": "image", "source": imageSource(p)})
		default:
			return nil, fmt.Errorf("%w: content type %q not supported by this provider", relay.ErrBadRequest, p.Type)
		}
	}
	return blocks, nil
}

func imageSource(p relay.ContentPart) map[string]any {
	if p.URL != "" {
		return map[string]any{"type": "url", "url": p.URL}
	}
	mime := p.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return map[string]any{"type": "base64", "media_type": mime, "data": p.Data}
}

// parseResponse converts a Messages API JSON response to the normalized
// shape, joining the text content blocks.
func parseResponse(data []byte) *relay.InvokeResponse {
	r := gjson.ParseBytes(data)
	out := &relay.InvokeResponse{Raw: append([]byte(nil), data...)}

	var text strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})
	out.OutputText = text.String()

	if u := r.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		outTok := int(u.Get("output_tokens").Int())
		out.Usage = &relay.Usage{
			PromptTokens:     in,
			CompletionTokens: outTok,
			TotalTokens:      in + outTok,
		}
	}
	return out
}
