package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/storage"
)

// InsertInvocations batch-inserts invocation records.
func (s *Store) InsertInvocations(ctx context.Context, records []relay.Invocation) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.Provider, r.Model, r.RequestID,
			timeStr(r.StartedAt), timeStr(r.CompletedAt), r.DurationMs,
			r.Status, r.ErrorMessage,
			r.Prompt, nullJSON(r.Messages), nullJSON(r.Params),
			r.ResponseText, r.ResponseTextLen,
			nullInt(r.PromptTokens), nullInt(r.CompletionToks), nullInt(r.TotalTokens),
			nullFloat(r.Cost), nullJSON(r.RawResponse), timeStr(r.CreatedAt),
		)
	}

	query := `INSERT INTO invocations
		(id, provider, model, request_id, started_at, completed_at, duration_ms,
		 status, error_message, request_prompt, request_messages, request_params,
		 response_text, response_text_length, prompt_tokens, completion_tokens,
		 total_tokens, cost, raw_response, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// GetInvocation retrieves a single invocation with its full payloads.
func (s *Store) GetInvocation(ctx context.Context, id string) (*relay.Invocation, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider, model, request_id, started_at, completed_at, duration_ms,
		 status, error_message, request_prompt, request_messages, request_params,
		 response_text, response_text_length, prompt_tokens, completion_tokens,
		 total_tokens, cost, raw_response, created_at
		 FROM invocations WHERE id=?`, id,
	)

	var r relay.Invocation
	var startedAt, completedAt, createdAt string
	var messages, params, raw sql.NullString
	var promptTok, complTok, totalTok sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(
		&r.ID, &r.Provider, &r.Model, &r.RequestID, &startedAt, &completedAt, &r.DurationMs,
		&r.Status, &r.ErrorMessage, &r.Prompt, &messages, &params,
		&r.ResponseText, &r.ResponseTextLen, &promptTok, &complTok,
		&totalTok, &cost, &raw, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.StartedAt = parseTimeStr(startedAt)
	r.CompletedAt = parseTimeStr(completedAt)
	r.CreatedAt = parseTimeStr(createdAt)
	if messages.Valid {
		r.Messages = []byte(messages.String)
	}
	if params.Valid {
		r.Params = []byte(params.String)
	}
	if raw.Valid {
		r.RawResponse = []byte(raw.String)
	}
	r.PromptTokens = intPtr(promptTok)
	r.CompletionToks = intPtr(complTok)
	r.TotalTokens = intPtr(totalTok)
	r.Cost = floatPtr(cost)
	return &r, nil
}

// QueryInvocations returns invocations matching the filter plus the total
// count before paging. Bulky JSON columns (messages, params, raw response)
// are omitted from list results; GetInvocation returns them.
func (s *Store) QueryInvocations(ctx context.Context, f storage.InvocationFilter) ([]*relay.Invocation, int64, error) {
	where, args := invocationWhere(f)

	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invocations`+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, provider, model, request_id, started_at, completed_at, duration_ms,
		 status, error_message, request_prompt, response_text, response_text_length,
		 prompt_tokens, completion_tokens, total_tokens, cost, created_at
		 FROM invocations` + where + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.read.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*relay.Invocation
	for rows.Next() {
		var r relay.Invocation
		var startedAt, completedAt, createdAt string
		var promptTok, complTok, totalTok sql.NullInt64
		var cost sql.NullFloat64
		err := rows.Scan(
			&r.ID, &r.Provider, &r.Model, &r.RequestID, &startedAt, &completedAt, &r.DurationMs,
			&r.Status, &r.ErrorMessage, &r.Prompt, &r.ResponseText, &r.ResponseTextLen,
			&promptTok, &complTok, &totalTok, &cost, &createdAt,
		)
		if err != nil {
			return nil, 0, err
		}
		r.StartedAt = parseTimeStr(startedAt)
		r.CompletedAt = parseTimeStr(completedAt)
		r.CreatedAt = parseTimeStr(createdAt)
		r.PromptTokens = intPtr(promptTok)
		r.CompletionToks = intPtr(complTok)
		r.TotalTokens = intPtr(totalTok)
		r.Cost = floatPtr(cost)
		out = append(out, &r)
	}
	return out, total, rows.Err()
}

func invocationWhere(f storage.InvocationFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, timeStr(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "started_at < ?")
		args = append(args, timeStr(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Stats aggregates invocation counts, tokens, latency and cost since the
// given time, plus a per-model leaderboard of the topN busiest models.
func (s *Store) Stats(ctx context.Context, since time.Time, topN int) (*storage.Statistics, error) {
	var st storage.Statistics
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(total_tokens), 0),
		 COALESCE(AVG(duration_ms), 0),
		 COALESCE(SUM(cost), 0)
		 FROM invocations WHERE started_at >= ?`, timeStr(since),
	).Scan(&st.TotalCalls, &st.SuccessCalls, &st.TotalTokens, &st.AvgDurationMs, &st.TotalCost)
	if err != nil {
		return nil, err
	}
	st.ErrorCalls = st.TotalCalls - st.SuccessCalls
	if st.TotalCalls > 0 {
		st.SuccessRate = float64(st.SuccessCalls) / float64(st.TotalCalls) * 100
	}

	if topN <= 0 {
		topN = 10
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, COUNT(*) AS calls,
		 COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(total_tokens), 0),
		 COALESCE(AVG(duration_ms), 0),
		 COALESCE(SUM(cost), 0)
		 FROM invocations WHERE started_at >= ?
		 GROUP BY provider, model ORDER BY calls DESC, provider ASC, model ASC LIMIT ?`,
		timeStr(since), topN,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var mu storage.ModelUsage
		err := rows.Scan(&mu.Provider, &mu.Model, &mu.Calls, &mu.SuccessCalls,
			&mu.TotalTokens, &mu.AvgDurationMs, &mu.TotalCost)
		if err != nil {
			return nil, err
		}
		st.TopModels = append(st.TopModels, mu)
	}
	return &st, rows.Err()
}

// TimeSeries buckets invocation counts by the given interval.
func (s *Store) TimeSeries(ctx context.Context, since time.Time, interval time.Duration) ([]storage.TimePoint, error) {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		secs = 3600
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT (CAST(strftime('%s', started_at) AS INTEGER) / ?) * ? AS bucket,
		 COUNT(*),
		 COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(total_tokens), 0)
		 FROM invocations WHERE started_at >= ?
		 GROUP BY bucket ORDER BY bucket ASC`,
		secs, secs, timeStr(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TimePoint
	for rows.Next() {
		var epoch int64
		var tp storage.TimePoint
		if err := rows.Scan(&epoch, &tp.Calls, &tp.Errors, &tp.TotalTokens); err != nil {
			return nil, err
		}
		tp.Bucket = time.Unix(epoch, 0).UTC()
		out = append(out, tp)
	}
	return out, rows.Err()
}

// DeleteInvocationsBefore removes records older than cutoff and returns the
// number deleted. Used by the retention sweep.
func (s *Store) DeleteInvocationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM invocations WHERE started_at < ?`, timeStr(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
