package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

const credentialColumns = `id, name, secret_hash, secret_env, active,
	 allowed_providers, allowed_models, parameter_limits, created_at, updated_at`

// CreateCredential inserts a new caller credential.
func (s *Store) CreateCredential(ctx context.Context, c *relay.Credential) error {
	providers, err := marshalJSON(c.AllowedProviders)
	if err != nil {
		return err
	}
	models, err := marshalJSON(c.AllowedModels)
	if err != nil {
		return err
	}
	limits, err := marshalJSON(c.ParameterLimits)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SecretHash, c.SecretEnv, boolToInt(c.Active),
		providers, models, limits, timeStr(c.CreatedAt), timeStr(c.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("credential %q: %w", c.Name, relay.ErrConflict)
	}
	return err
}

// GetCredential retrieves a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*relay.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id=?`, id)
	return scanCredential(row)
}

// GetCredentialByName retrieves a credential by its unique name.
func (s *Store) GetCredentialByName(ctx context.Context, name string) (*relay.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE name=?`, name)
	return scanCredential(row)
}

// ListCredentials returns all credentials ordered by creation time.
func (s *Store) ListCredentials(ctx context.Context) ([]*relay.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*relay.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpdateCredential updates a credential row.
func (s *Store) UpdateCredential(ctx context.Context, c *relay.Credential) error {
	providers, err := marshalJSON(c.AllowedProviders)
	if err != nil {
		return err
	}
	models, err := marshalJSON(c.AllowedModels)
	if err != nil {
		return err
	}
	limits, err := marshalJSON(c.ParameterLimits)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET name=?, secret_hash=?, secret_env=?, active=?,
		 allowed_providers=?, allowed_models=?, parameter_limits=?, updated_at=?
		 WHERE id=?`,
		c.Name, c.SecretHash, c.SecretEnv, boolToInt(c.Active),
		providers, models, limits, timeStr(time.Now()), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

func scanCredential(s scanner) (*relay.Credential, error) {
	var c relay.Credential
	var providersJSON, modelsJSON, limitsJSON sql.NullString
	var active int
	var createdAt, updatedAt string

	err := s.Scan(
		&c.ID, &c.Name, &c.SecretHash, &c.SecretEnv, &active,
		&providersJSON, &modelsJSON, &limitsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Active = active != 0
	providers, err := unmarshalStringSlice(providersJSON)
	if err != nil {
		return nil, err
	}
	c.AllowedProviders = providers
	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	c.AllowedModels = models
	if err := unmarshalInto(limitsJSON, &c.ParameterLimits); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTimeStr(createdAt)
	c.UpdatedAt = parseTimeStr(updatedAt)
	return &c, nil
}

// helpers

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to relay.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return relay.ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch s := v.(type) {
	case []string:
		if s == nil {
			return sql.NullString{}, nil
		}
	case map[string]float64:
		if s == nil {
			return sql.NullString{}, nil
		}
	case relay.Params:
		if s == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if s == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

// unmarshalInto decodes a nullable JSON column into v, leaving v untouched
// when the column is NULL.
func unmarshalInto(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTimeStr(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, relay.ErrNotFound)
	}
	return nil
}
