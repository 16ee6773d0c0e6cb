package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

const modelColumns = `provider, name, display_name, description, remote_id, tags, default_params, config,
	 rate_max_requests, rate_per_seconds, rate_burst, active, created_at, updated_at`

// CreateModel inserts a new model row.
func (s *Store) CreateModel(ctx context.Context, m *relay.Model) error {
	tags, err := marshalJSON(m.Tags)
	if err != nil {
		return err
	}
	params, err := marshalJSON(m.DefaultParams)
	if err != nil {
		return err
	}
	config, err := marshalJSON(m.Config)
	if err != nil {
		return err
	}
	maxReq, perSec, burst := rateCols(m.RateLimit)
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO models (`+modelColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Provider, m.Name, m.DisplayName, m.Description, m.RemoteID, tags, params, config,
		maxReq, perSec, burst, boolToInt(m.Active), timeStr(m.CreatedAt), timeStr(m.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("model %q: %w", m.Key(), relay.ErrConflict)
	}
	return err
}

// GetModel retrieves a model by provider and name.
func (s *Store) GetModel(ctx context.Context, provider, name string) (*relay.Model, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE provider=? AND name=?`, provider, name,
	)
	return scanModel(row)
}

// ListModels returns all models ordered by provider then name.
func (s *Store) ListModels(ctx context.Context) ([]*relay.Model, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY provider ASC, name ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*relay.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpdateModel updates a model row.
func (s *Store) UpdateModel(ctx context.Context, m *relay.Model) error {
	tags, err := marshalJSON(m.Tags)
	if err != nil {
		return err
	}
	params, err := marshalJSON(m.DefaultParams)
	if err != nil {
		return err
	}
	config, err := marshalJSON(m.Config)
	if err != nil {
		return err
	}
	maxReq, perSec, burst := rateCols(m.RateLimit)
	result, err := s.write.ExecContext(ctx,
		`UPDATE models SET display_name=?, description=?, remote_id=?, tags=?, default_params=?, config=?,
		 rate_max_requests=?, rate_per_seconds=?, rate_burst=?, active=?, updated_at=?
		 WHERE provider=? AND name=?`,
		m.DisplayName, m.Description, m.RemoteID, tags, params, config,
		maxReq, perSec, burst, boolToInt(m.Active), timeStr(time.Now()), m.Provider, m.Name,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

// DeleteModel removes a model row.
func (s *Store) DeleteModel(ctx context.Context, provider, name string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM models WHERE provider=? AND name=?`, provider, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

func rateCols(rl *relay.RateLimit) (maxReq, perSec, burst sql.NullInt64) {
	if rl == nil {
		return
	}
	maxReq = sql.NullInt64{Int64: int64(rl.MaxRequests), Valid: true}
	perSec = sql.NullInt64{Int64: int64(rl.PerSeconds), Valid: true}
	if rl.BurstSize > 0 {
		burst = sql.NullInt64{Int64: int64(rl.BurstSize), Valid: true}
	}
	return
}

func scanModel(s scanner) (*relay.Model, error) {
	var m relay.Model
	var tagsJSON, paramsJSON, configJSON sql.NullString
	var maxReq, perSec, burst sql.NullInt64
	var active int
	var createdAt, updatedAt string

	err := s.Scan(
		&m.Provider, &m.Name, &m.DisplayName, &m.Description, &m.RemoteID,
		&tagsJSON, &paramsJSON, &configJSON,
		&maxReq, &perSec, &burst, &active, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	m.Active = active != 0
	tags, err := unmarshalStringSlice(tagsJSON)
	if err != nil {
		return nil, err
	}
	m.Tags = tags
	if err := unmarshalInto(paramsJSON, &m.DefaultParams); err != nil {
		return nil, err
	}
	if err := unmarshalInto(configJSON, &m.Config); err != nil {
		return nil, err
	}
	if maxReq.Valid {
		m.RateLimit = &relay.RateLimit{
			MaxRequests: int(maxReq.Int64),
			PerSeconds:  int(perSec.Int64),
			BurstSize:   int(burst.Int64),
		}
	}
	m.CreatedAt = parseTimeStr(createdAt)
	m.UpdatedAt = parseTimeStr(updatedAt)
	return &m, nil
}
