// Package relay defines domain types and interfaces for the ModelRelay LLM gateway.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// --- Provider catalog ---

// ProviderType identifies the upstream wire format an adapter speaks.
type ProviderType string

const (
	TypeOpenAICompatible  ProviderType = "openai-compatible"
	TypeAnthropic         ProviderType = "anthropic"
	TypeGemini            ProviderType = "gemini"
	TypeOllamaLocal       ProviderType = "ollama-local"
	TypeVLLMLocal         ProviderType = "vllm-local"
	TypeTransformersLocal ProviderType = "transformers-local"
	TypeGenericHTTP       ProviderType = "generic-http"
)

// ProviderTypes lists every recognized provider type.
var ProviderTypes = []ProviderType{
	TypeOpenAICompatible,
	TypeAnthropic,
	TypeGemini,
	TypeOllamaLocal,
	TypeVLLMLocal,
	TypeTransformersLocal,
	TypeGenericHTTP,
}

// Valid reports whether t is a recognized provider type.
func (t ProviderType) Valid() bool {
	for _, pt := range ProviderTypes {
		if t == pt {
			return true
		}
	}
	return false
}

// Provider is a catalog entry describing one upstream endpoint.
type Provider struct {
	Name      string         `json:"name"`
	Type      ProviderType   `json:"type"`
	BaseURL   string         `json:"base_url,omitempty"`
	APIKey    string         `json:"-"` // literal upstream key(s), comma-separated; never exposed
	APIKeyEnv string         `json:"api_key_env,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Setting returns the string value of a provider setting, or def when absent.
func (p *Provider) Setting(key, def string) string {
	if p.Settings == nil {
		return def
	}
	if v, ok := p.Settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Model is a catalog entry describing one invokable model.
type Model struct {
	Provider      string       `json:"provider"`
	Name          string       `json:"name"`
	DisplayName   string       `json:"display_name,omitempty"`
	Description   string       `json:"description,omitempty"`
	RemoteID      string       `json:"remote_id,omitempty"` // upstream identifier; Name when empty
	Tags          []string     `json:"tags,omitempty"`
	DefaultParams Params       `json:"default_params,omitempty"`
	Config        ModelConfig  `json:"config"`
	RateLimit     *RateLimit   `json:"rate_limit,omitempty"`
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Key returns the canonical "provider/model" identifier.
func (m *Model) Key() string { return m.Provider + "/" + m.Name }

// Remote returns the identifier sent upstream.
func (m *Model) Remote() string {
	if m.RemoteID != "" {
		return m.RemoteID
	}
	return m.Name
}

// HasTag reports whether tag is present, case-insensitively.
func (m *Model) HasTag(tag string) bool {
	tag = strings.ToLower(tag)
	for _, t := range m.Tags {
		if strings.ToLower(t) == tag {
			return true
		}
	}
	return false
}

// NormalizeTags lowercases, dedupes and sorts a tag list.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ModelConfig describes model capabilities and pricing.
type ModelConfig struct {
	ContextWindow   int      `json:"context_window,omitempty"`
	Vision          bool     `json:"vision,omitempty"`
	Audio           bool     `json:"audio,omitempty"`
	Video           bool     `json:"video,omitempty"`
	Tools           bool     `json:"tools,omitempty"`
	Endpoint        string   `json:"endpoint,omitempty"` // generic-http override
	InputCostPer1K  *float64 `json:"input_cost_per_1k,omitempty"`
	OutputCostPer1K *float64 `json:"output_cost_per_1k,omitempty"`
}

// Cost computes the invocation cost from token usage and per-1k rates.
// Returns nil when usage is unknown or the model carries no pricing.
func (c ModelConfig) Cost(u *Usage) *float64 {
	if u == nil || (c.InputCostPer1K == nil && c.OutputCostPer1K == nil) {
		return nil
	}
	var cost float64
	if c.InputCostPer1K != nil {
		cost += float64(u.PromptTokens) / 1000 * *c.InputCostPer1K
	}
	if c.OutputCostPer1K != nil {
		cost += float64(u.CompletionTokens) / 1000 * *c.OutputCostPer1K
	}
	return &cost
}

// RateLimit is a per-model token bucket configuration.
// Refill rate is MaxRequests/PerSeconds tokens per second; capacity is
// BurstSize when set, MaxRequests otherwise.
type RateLimit struct {
	MaxRequests int `json:"max_requests"`
	PerSeconds  int `json:"per_seconds"`
	BurstSize   int `json:"burst_size,omitempty"`
}

// Capacity returns the bucket capacity.
func (r RateLimit) Capacity() float64 {
	if r.BurstSize > 0 {
		return float64(r.BurstSize)
	}
	return float64(r.MaxRequests)
}

// Rate returns the refill rate in tokens per second.
func (r RateLimit) Rate() float64 {
	per := r.PerSeconds
	if per <= 0 {
		per = 1
	}
	return float64(r.MaxRequests) / float64(per)
}

// Snapshot bundles a provider, one of its models, and the upstream keys
// resolved for this call. Snapshots are immutable copies; a later catalog
// refresh never mutates one already handed out.
type Snapshot struct {
	Provider Provider
	Model    Model
	Keys     []string // resolved upstream keys in rotation order; may be empty
}

// --- Caller credentials ---

// Credential is a caller-facing API key with optional restrictions.
// The secret itself is never stored; only its SHA-256 hash.
type Credential struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	SecretHash       string             `json:"-"` // hex SHA-256, never exposed
	SecretEnv        string             `json:"secret_env,omitempty"`
	Active           bool               `json:"active"`
	AllowedProviders []string           `json:"allowed_providers,omitempty"` // nil = unrestricted
	AllowedModels    []string           `json:"allowed_models,omitempty"`    // nil = unrestricted; entries are "provider/model"
	ParameterLimits  map[string]float64 `json:"parameter_limits,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// AllowsProvider reports whether the credential may use the named provider.
func (c *Credential) AllowsProvider(provider string) bool {
	if c.AllowedProviders == nil {
		return true
	}
	for _, p := range c.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// AllowsModel reports whether the credential may use provider/model.
func (c *Credential) AllowsModel(provider, model string) bool {
	if !c.AllowsProvider(provider) {
		return false
	}
	if c.AllowedModels == nil {
		return true
	}
	key := provider + "/" + model
	for _, m := range c.AllowedModels {
		if m == key {
			return true
		}
	}
	return false
}

// Principal is the resolved caller identity attached to request context.
type Principal struct {
	Credential    *Credential // nil for anonymous loopback callers
	SessionToken  string      // set when authenticated via session
	BoundProvider string      // session model binding, if any
	BoundModel    string
}

// Anonymous reports whether the principal carries no credential.
func (p *Principal) Anonymous() bool { return p == nil || p.Credential == nil }

// --- Requests and responses ---

// Params is a free-form parameter map forwarded to adapters.
type Params map[string]any

// Float returns the numeric value of a parameter.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Int returns the integer value of a parameter, truncating floats.
func (p Params) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	return int(f), ok
}

// StringList returns a parameter as a list of strings. A bare string is
// treated as a one-element list.
func (p Params) StringList(key string) ([]string, bool) {
	switch v := p[key].(type) {
	case string:
		return []string{v}, true
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Clone returns a shallow copy of the map.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge layers p over defaults: keys present in p win, keys only in
// defaults are filled in. Neither input is mutated.
func (p Params) Merge(defaults Params) Params {
	if len(defaults) == 0 {
		return p.Clone()
	}
	out := defaults.Clone()
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Clamp caps numeric parameters at the given upper bounds. Only keys the
// caller actually supplied are touched; missing parameters are never
// injected. Returns p unchanged when nothing clamps.
func (p Params) Clamp(limits map[string]float64) Params {
	if len(p) == 0 || len(limits) == 0 {
		return p
	}
	var out Params
	for key, limit := range limits {
		v, ok := p.Float(key)
		if !ok || v <= limit {
			continue
		}
		if out == nil {
			out = p.Clone()
		}
		out[key] = limit
	}
	if out == nil {
		return p
	}
	return out
}

// Message roles accepted in normalized requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a normalized conversation. Content is either a
// JSON string or an array of content parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string `json:"type"` // "text", "image-ref", "audio-ref", "video-ref", "file-ref"
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"` // base64 inline payload
	MimeType string `json:"mime_type,omitempty"`
}

// Parts decodes the message content as typed parts. A plain string body
// decodes as a single text part. Returns false when content is neither.
func (m Message) Parts() ([]ContentPart, bool) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentPart{{Type: "text", Text: s}}, true
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		return parts, true
	}
	return nil, false
}

// Text flattens the message content to plain text, joining text parts
// with newlines and ignoring non-text parts.
func (m Message) Text() string {
	parts, ok := m.Parts()
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// TextMessage builds a plain-text message.
func TextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// InvokeRequest is the normalized request shape every adapter accepts.
// Exactly one of Prompt or Messages must be set.
type InvokeRequest struct {
	Prompt     string    `json:"prompt,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
	Parameters Params    `json:"parameters,omitempty"`
	Stream     bool      `json:"stream,omitempty"`
}

// Validate checks the prompt/messages invariants.
func (r *InvokeRequest) Validate() error {
	hasPrompt := r.Prompt != ""
	hasMessages := len(r.Messages) > 0
	if hasPrompt == hasMessages {
		return fmt.Errorf("%w: exactly one of prompt or messages must be set", ErrBadRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("%w: message %d has unsupported role %q", ErrBadRequest, i, m.Role)
		}
		if len(m.Content) == 0 || string(m.Content) == "null" {
			return fmt.Errorf("%w: message %d has no content", ErrBadRequest, i)
		}
	}
	return nil
}

// Conversation returns the request as a message list, wrapping a bare
// prompt in a single user message.
func (r *InvokeRequest) Conversation() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{TextMessage(RoleUser, r.Prompt)}
}

// Usage represents token usage reported by an upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InvokeResponse is the normalized response shape every adapter returns.
// Usage and Cost are nil when the upstream reported nothing.
type InvokeResponse struct {
	OutputText string          `json:"output_text"`
	Usage      *Usage          `json:"usage,omitempty"`
	Cost       *float64        `json:"cost,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// StreamChunk is a single event in a streaming invocation.
type StreamChunk struct {
	Delta string // text fragment; empty on the final chunk
	Usage *Usage // non-nil on the final chunk when the upstream reported usage
	Done  bool
	Err   error
}

// --- Invocation records ---

// Invocation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Invocation is the persistent record of one upstream call.
type Invocation struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	RequestID       string          `json:"request_id,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	DurationMs      float64         `json:"duration_ms"`
	Status          string          `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Prompt          string          `json:"request_prompt,omitempty"`
	Messages        json.RawMessage `json:"request_messages,omitempty"`
	Params          json.RawMessage `json:"request_params,omitempty"`
	ResponseText    string          `json:"response_text,omitempty"`
	ResponseTextLen int             `json:"response_text_length"`
	PromptTokens    *int            `json:"prompt_tokens,omitempty"`
	CompletionToks  *int            `json:"completion_tokens,omitempty"`
	TotalTokens     *int            `json:"total_tokens,omitempty"`
	Cost            *float64        `json:"cost,omitempty"`
	RawResponse     json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// --- Adapter interface ---

// Adapter translates normalized requests into one upstream wire format.
// Implementations are stateless with respect to the catalog: every call
// receives the provider and model rows it should use.
type Adapter interface {
	// Type returns the provider type this adapter serves.
	Type() ProviderType
	// Invoke sends a non-streaming request and returns the normalized response.
	Invoke(ctx context.Context, snap Snapshot, req *InvokeRequest) (*InvokeResponse, error)
	// Stream sends a streaming request. The returned channel is closed after
	// the final chunk. Adapters that cannot stream return ErrBadRequest.
	Stream(ctx context.Context, snap Snapshot, req *InvokeRequest) (<-chan StreamChunk, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// CredentialPrefix is the prefix for secrets minted by the gateway itself.
const CredentialPrefix = "mrl_"

// HashSecret returns the hex-encoded SHA-256 hash of a raw secret.
func HashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// NewToken returns a URL-safe random token with 256 bits of entropy.
func NewToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller principal.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}
