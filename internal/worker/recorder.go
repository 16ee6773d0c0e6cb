package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/telemetry"
)

const (
	recordChanSize   = 1024
	recordBatchSize  = 100
	recordFlushEvery = 5 * time.Second
	recordDrainTime  = 30 * time.Second
)

// Capture caps. Stored text is trimmed so one chatty invocation cannot
// bloat the history database; the pre-trim response length is preserved.
const (
	maxResponseBytes = 64 << 10
	maxPromptBytes   = 4 << 10
	maxMessageBytes  = 1 << 10
)

// InvocationStore is the persistence interface consumed by Recorder.
type InvocationStore interface {
	InsertInvocations(ctx context.Context, records []relay.Invocation) error
}

// RecorderOptions tunes the recorder. All fields are optional.
type RecorderOptions struct {
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	// FullCapture disables the response_text cap. Prompt and message caps
	// still apply.
	FullCapture bool
}

// Recorder buffers invocation records and batch-flushes them to the store.
// Records are dropped if the channel is full; history must never
// back-pressure the serving path.
type Recorder struct {
	ch          chan *relay.Invocation
	store       InvocationStore
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	fullCapture bool
	every       time.Duration
	dropped     atomic.Int64
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store InvocationStore, opts RecorderOptions) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		ch:          make(chan *relay.Invocation, recordChanSize),
		store:       store,
		metrics:     opts.Metrics,
		logger:      logger,
		fullCapture: opts.FullCapture,
		every:       recordFlushEvery,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "recorder" }

// Record enqueues an invocation record. It never blocks; drops on full
// channel.
func (r *Recorder) Record(inv *relay.Invocation) {
	select {
	case r.ch <- inv:
	default:
		n := r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecordsDropped.Inc()
		}
		r.logger.Warn("invocation record dropped, queue full", "dropped_total", n)
	}
}

// Dropped returns the number of records dropped since startup.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run processes records until ctx is cancelled, then drains the backlog.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	buf := make([]relay.Invocation, 0, recordBatchSize)

	for {
		select {
		case inv := <-r.ch:
			buf = append(buf, *inv)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if r.metrics != nil {
				r.metrics.RecordQueueLen.Set(float64(len(r.ch)))
			}
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			r.drain(buf)
			return nil
		}
	}
}

func (r *Recorder) drain(buf []relay.Invocation) {
	ctx, cancel := context.WithTimeout(context.Background(), recordDrainTime)
	defer cancel()

	for {
		select {
		case inv := <-r.ch:
			buf = append(buf, *inv)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []relay.Invocation) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]relay.Invocation, len(buf))
	copy(batch, buf)

	now := time.Now().UTC()
	for i := range batch {
		r.shape(&batch[i])
		// Assign IDs off the hot path; the engine leaves ID empty.
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = now
		}
	}

	if err := r.store.InsertInvocations(ctx, batch); err != nil {
		r.logger.LogAttrs(ctx, slog.LevelError, "invocation flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// shape trims captured payloads to their storage caps and strips anything
// secret-shaped from the recorded parameters. ResponseTextLen keeps the
// pre-trim length so consumers can tell a capped capture from a short one.
func (r *Recorder) shape(inv *relay.Invocation) {
	if inv.ResponseTextLen == 0 {
		inv.ResponseTextLen = len(inv.ResponseText)
	}
	if !r.fullCapture {
		inv.ResponseText = truncate(inv.ResponseText, maxResponseBytes)
	}
	inv.Prompt = truncate(inv.Prompt, maxPromptBytes)
	inv.Messages = truncateMessages(inv.Messages)
	inv.Params = redactParams(inv.Params)
}

// truncate cuts s at max bytes, backing up to a rune boundary so the stored
// text stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// truncateMessages caps each captured message's text parts. A truncated
// base64 payload is useless, so inline data is dropped and only references
// kept.
func truncateMessages(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var msgs []relay.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return raw
	}
	changed := false
	for i, m := range msgs {
		parts, ok := m.Parts()
		if !ok {
			continue
		}
		shrunk := false
		for j := range parts {
			if len(parts[j].Text) > maxMessageBytes {
				parts[j].Text = truncate(parts[j].Text, maxMessageBytes)
				shrunk = true
			}
			if parts[j].Data != "" {
				parts[j].Data = ""
				shrunk = true
			}
		}
		if !shrunk {
			continue
		}
		if content, err := json.Marshal(parts); err == nil {
			msgs[i].Content = content
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(msgs)
	if err != nil {
		return raw
	}
	return out
}

func redactParams(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return raw
	}
	changed := false
	for k := range params {
		switch strings.ToLower(k) {
		case "api_key", "api-key", "apikey", "authorization", "access_token", "secret":
			delete(params, k)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(params)
	if err != nil {
		return raw
	}
	return out
}
