package openaic

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	relay "github.com/modelrelay/relay/internal"
)

// chatBody builds the chat completions request body. Caller parameters
// spread into the top level; reserved wire fields cannot be overridden.
func chatBody(snap relay.Snapshot, req *relay.InvokeRequest, stream bool) (map[string]any, error) {
	msgs, err := wireMessages(req.Conversation())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", snap.Provider.Name, err)
	}

	body := map[string]any{
		"model":    snap.Model.Remote(),
		"messages": msgs,
	}
	for k, v := range req.Parameters {
		switch k {
		case "model", "messages", "stream", "stream_options":
			continue
		}
		body[k] = v
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body, nil
}

// completionsBody builds the legacy completions request for bare prompts.
func completionsBody(snap relay.Snapshot, req *relay.InvokeRequest) map[string]any {
	body := map[string]any{
		"model":  snap.Model.Remote(),
		"prompt": req.Prompt,
	}
	for k, v := range req.Parameters {
		switch k {
		case "model", "prompt", "stream":
			continue
		}
		body[k] = v
	}
	return body
}

// wireMessages converts normalized messages to the OpenAI wire shape.
// Plain-text messages keep string content; multimodal parts translate to
// the typed content array.
func wireMessages(msgs []relay.Message) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(msgs))
	for i, m := range msgs {
		parts, ok := m.Parts()
		if !ok {
			return nil, fmt.Errorf("%w: message %d has malformed content", relay.ErrBadRequest, i)
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			out = append(out, map[string]any{"role": m.Role, "content": parts[0].Text})
			continue
		}
		wire := make([]map[string]any, 0, len(parts))
		for _, p := range parts {
			wp, err := wirePart(p)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			wire = append(wire, wp)
		}
		out = append(out, map[string]any{"role": m.Role, "content": wire})
	}
	return out, nil
}

// wirePart translates one content part. Video references have no chat
// completions equivalent and are rejected.
func wirePart(p relay.ContentPart) (map[string]any, error) {
	switch p.Type {
	case "text":
		return map[string]any{"type": "text", "text": p.Text}, nil
	case "image-ref":
		return map[string]any{"type": "image_url", "image_url": map[string]any{"url": partURI(p)}}, nil
	case "audio-ref":
		return map[string]any{"type": "input_audio", "input_audio": map[string]any{
			"data":   p.Data,
			"format": audioFormat(p.MimeType),
		}}, nil
	case "file-ref":
		return map[string]any{"type": "file", "file": map[string]any{"file_data": partURI(p)}}, nil
	default:
		return nil, fmt.Errorf("%w: content type %q not supported by this provider", relay.ErrBadRequest, p.Type)
	}
}

// partURI returns the part's URL, or a data URI built from its inline payload.
func partURI(p relay.ContentPart) string {
	if p.URL != "" {
		return p.URL
	}
	mime := p.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + p.Data
}

// audioFormat maps a MIME type to the wire's audio format token.
func audioFormat(mime string) string {
	switch mime {
	case "audio/wav", "audio/x-wav":
		return "wav"
	default:
		return "mp3"
	}
}

// parseResponse extracts the output text and usage from a chat completions
// or legacy completions response. Usage stays nil when the upstream omitted
// the usage block.
func parseResponse(data []byte) *relay.InvokeResponse {
	r := gjson.ParseBytes(data)
	out := &relay.InvokeResponse{Raw: json.RawMessage(data)}

	if c := r.Get("choices.0.message.content"); c.Exists() {
		out.OutputText = c.String()
	} else if c := r.Get("choices.0.text"); c.Exists() {
		out.OutputText = c.String()
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
