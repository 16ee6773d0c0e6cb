// Package gemini implements the relay.Adapter for the Google Gemini API.
package gemini

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/modelrelay/relay/internal"
)

// generateRequest is the Gemini generateContent request body.
type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
	FileData   *fileData   `json:"file_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// translateRequest converts a normalized request to the generateContent
// shape. Assistant turns map to role "model"; system turns collect into
// systemInstruction; user and tool turns both ride as role "user".
func translateRequest(req *relay.InvokeRequest) (*generateRequest, error) {
	out := &generateRequest{}

	if cfg := translateConfig(req.Parameters); cfg != nil {
		out.GenerationConfig = cfg
	}

	var systemParts []part
	for i, m := range req.Conversation() {
		parts, ok := m.Parts()
		if !ok {
			return nil, fmt.Errorf("%w: message %d has malformed content", relay.ErrBadRequest, i)
		}
		wire := make([]part, 0, len(parts))
		for _, p := range parts {
			wire = append(wire, wirePart(p))
		}

		switch m.Role {
		case relay.RoleSystem:
			systemParts = append(systemParts, wire...)
		case relay.RoleAssistant:
			out.Contents = append(out.Contents, content{Role: "model", Parts: wire})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: wire})
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &content{Parts: systemParts}
	}

	return out, nil
}

func translateConfig(p relay.Params) *generationConfig {
	cfg := &generationConfig{}
	var any bool
	if v, ok := p.Float("temperature"); ok {
		cfg.Temperature, any = &v, true
	}
	if v, ok := p.Float("top_p"); ok {
		cfg.TopP, any = &v, true
	}
	if v, ok := p.Int("max_tokens"); ok {
		cfg.MaxOutputTokens, any = &v, true
	}
	if v, ok := p.StringList("stop"); ok {
		cfg.StopSequences, any = v, true
	}
	if !any {
		return nil
	}
	return cfg
}

// wirePart maps a content part onto Gemini's part union. All reference
// types translate: URLs become file_data, inline payloads inline_data.
func wirePart(p relay.ContentPart) part {
	if p.Type == "text" {
		return part{Text: p.Text}
	}
	if p.URL != "" {
		return part{FileData: &fileData{MimeType: p.MimeType, FileURI: p.URL}}
	}
	mime := p.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return part{InlineData: &inlineData{MimeType: mime, Data: p.Data}}
}

// parseResponse converts a generateContent JSON response to the normalized
// shape, joining the first candidate's text parts.
func parseResponse(data []byte) *relay.InvokeResponse {
	r := gjson.ParseBytes(data)
	out := &relay.InvokeResponse{Raw: append([]byte(nil), data...)}

	var text strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		return true
	})
	out.OutputText = text.String()

	if u := r.Get("usageMetadata"); u.Exists() {
		out.Usage = &relay.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}
	return out
}
