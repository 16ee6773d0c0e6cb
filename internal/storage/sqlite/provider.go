package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// CreateProvider inserts a new provider row.
func (s *Store) CreateProvider(ctx context.Context, p *relay.Provider) error {
	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (name, type, base_url, api_key, api_key_env, settings, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, string(p.Type), p.BaseURL, p.APIKey, p.APIKeyEnv, settings,
		boolToInt(p.Active), timeStr(p.CreatedAt), timeStr(p.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("provider %q: %w", p.Name, relay.ErrConflict)
	}
	return err
}

// GetProvider retrieves a provider by name.
func (s *Store) GetProvider(ctx context.Context, name string) (*relay.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT name, type, base_url, api_key, api_key_env, settings, active, created_at, updated_at
		 FROM providers WHERE name=?`, name,
	)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]*relay.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, type, base_url, api_key, api_key_env, settings, active, created_at, updated_at
		 FROM providers ORDER BY name ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*relay.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider row.
func (s *Store) UpdateProvider(ctx context.Context, p *relay.Provider) error {
	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET type=?, base_url=?, api_key=?, api_key_env=?, settings=?, active=?, updated_at=?
		 WHERE name=?`,
		string(p.Type), p.BaseURL, p.APIKey, p.APIKeyEnv, settings,
		boolToInt(p.Active), timeStr(time.Now()), p.Name,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider and, via cascade, its models.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE name=?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(s scanner) (*relay.Provider, error) {
	var p relay.Provider
	var typ string
	var settingsJSON sql.NullString
	var active int
	var createdAt, updatedAt string

	err := s.Scan(&p.Name, &typ, &p.BaseURL, &p.APIKey, &p.APIKeyEnv, &settingsJSON, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Type = relay.ProviderType(typ)
	p.Active = active != 0
	if err := unmarshalInto(settingsJSON, &p.Settings); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTimeStr(createdAt)
	p.UpdatedAt = parseTimeStr(updatedAt)
	return &p, nil
}
