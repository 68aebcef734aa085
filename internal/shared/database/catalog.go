package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/langroute/internal/shared/models"
)

// UpsertProvider inserts or updates a provider by name
func (db *DB) UpsertProvider(ctx context.Context, p models.Provider) error {
	query := `
		INSERT INTO providers (name, api_base, api_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			api_base = excluded.api_base,
			api_version = excluded.api_version,
			updated_at = excluded.updated_at
	`
	if _, err := db.exec(ctx, query, p.Name, p.BaseURL, p.APIVersion, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.Name, err)
	}
	return nil
}

// UpsertModel inserts or updates a model by name
func (db *DB) UpsertModel(ctx context.Context, m models.Model) error {
	fallback := m.Fallback
	if fallback == nil {
		fallback = []string{}
	}
	fb, err := json.Marshal(fallback)
	if err != nil {
		return fmt.Errorf("encode fallback for %s: %w", m.Name, err)
	}

	query := `
		INSERT INTO models (name, provider, fallback, input_cost_per_1k, output_cost_per_1k, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			provider = excluded.provider,
			fallback = excluded.fallback,
			input_cost_per_1k = excluded.input_cost_per_1k,
			output_cost_per_1k = excluded.output_cost_per_1k,
			updated_at = excluded.updated_at
	`
	_, err = db.exec(ctx, query, m.Name, m.Provider, string(fb), m.InputCostPer1k, m.OutputCostPer1k, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", m.Name, err)
	}
	return nil
}

// GetProvider retrieves a provider by name
func (db *DB) GetProvider(ctx context.Context, name string) (*models.Provider, error) {
	query := `SELECT name, api_base, api_version FROM providers WHERE name = ?`

	var p models.Provider
	err := db.queryRow(ctx, query, name).Scan(&p.Name, &p.BaseURL, &p.APIVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &p, nil
}

// GetModel retrieves a model by name
func (db *DB) GetModel(ctx context.Context, name string) (*models.Model, error) {
	query := `
		SELECT name, provider, fallback, input_cost_per_1k, output_cost_per_1k
		FROM models
		WHERE name = ?
	`

	var m models.Model
	var fallback string
	err := db.queryRow(ctx, query, name).Scan(
		&m.Name,
		&m.Provider,
		&fallback,
		&m.InputCostPer1k,
		&m.OutputCostPer1k,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if err := json.Unmarshal([]byte(fallback), &m.Fallback); err != nil {
		return nil, fmt.Errorf("decode fallback for %s: %w", name, err)
	}
	if m.Fallback == nil {
		m.Fallback = []string{}
	}
	return &m, nil
}

// ApplyCatalog upserts providers before models so model rows always reference
// an existing provider.
func (db *DB) ApplyCatalog(ctx context.Context, providers []models.Provider, ms []models.Model) error {
	for _, p := range providers {
		if err := db.UpsertProvider(ctx, p); err != nil {
			return err
		}
	}
	for _, m := range ms {
		if err := db.UpsertModel(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
