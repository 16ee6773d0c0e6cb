package testutil

import (
	"context"
	"encoding/json"

	relay "github.com/modelrelay/relay/internal"
)

// FakeAdapter is a configurable relay.Adapter for testing. The zero value
// answers every Invoke with "hello" and a fixed usage block.
type FakeAdapter struct {
	ProviderType relay.ProviderType
	InvokeFn     func(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error)
	StreamFn     func(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (<-chan relay.StreamChunk, error)
}

// Type returns the configured provider type, defaulting to openai-compatible.
func (f *FakeAdapter) Type() relay.ProviderType {
	if f.ProviderType != "" {
		return f.ProviderType
	}
	return relay.TypeOpenAICompatible
}

// Invoke delegates to InvokeFn or returns a canned response.
func (f *FakeAdapter) Invoke(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (*relay.InvokeResponse, error) {
	if f.InvokeFn != nil {
		return f.InvokeFn(ctx, snap, req)
	}
	return CannedResponse("hello"), nil
}

// Stream delegates to StreamFn or yields the canned response as two deltas.
func (f *FakeAdapter) Stream(ctx context.Context, snap relay.Snapshot, req *relay.InvokeRequest) (<-chan relay.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, snap, req)
	}
	return FakeStreamChan(
		relay.StreamChunk{Delta: "hel"},
		relay.StreamChunk{Delta: "lo"},
	), nil
}

// CannedResponse builds an InvokeResponse with the given assistant text and
// a 10/5/15 usage block.
func CannedResponse(text string) *relay.InvokeResponse {
	raw, _ := json.Marshal(map[string]string{"canned": text})
	return &relay.InvokeResponse{
		OutputText: text,
		Usage:      &relay.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Raw:        raw,
	}
}

// FakeStreamChan returns a channel pre-loaded with the given chunks followed
// by a Done sentinel carrying the canned usage. The channel is closed after
// all chunks are sent.
func FakeStreamChan(chunks ...relay.StreamChunk) <-chan relay.StreamChunk {
	ch := make(chan relay.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- relay.StreamChunk{Done: true, Usage: &relay.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	close(ch)
	return ch
}
