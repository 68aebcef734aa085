package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mrmushfiq/langroute/internal/shared/models"
)

// credentialColumns maps a supported provider to its credential column.
var credentialColumns = map[string]string{
	models.ProviderOpenAI:  "openai_key",
	models.ProviderMistral: "mistral_key",
}

// GetCaller retrieves a caller by exact virtual key match
func (db *DB) GetCaller(ctx context.Context, virtualKey string) (*models.Caller, error) {
	query := `
		SELECT virtual_key, openai_key, mistral_key, requests_per_minute,
		       tokens_per_minute, total_cost
		FROM callers
		WHERE virtual_key = ?
	`

	var c models.Caller
	var openaiKey, mistralKey string
	err := db.queryRow(ctx, query, virtualKey).Scan(
		&c.VirtualKey,
		&openaiKey,
		&mistralKey,
		&c.RequestsPerMinute,
		&c.TokensPerMinute,
		&c.TotalCost,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	c.Credentials = map[string]string{
		models.ProviderOpenAI:  openaiKey,
		models.ProviderMistral: mistralKey,
	}
	return &c, nil
}

// CreateCaller inserts a new caller record
func (db *DB) CreateCaller(ctx context.Context, c *models.Caller) error {
	query := `
		INSERT INTO callers (virtual_key, openai_key, mistral_key, requests_per_minute, tokens_per_minute, total_cost)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.exec(ctx, query,
		c.VirtualKey,
		c.Credentials[models.ProviderOpenAI],
		c.Credentials[models.ProviderMistral],
		c.RequestsPerMinute,
		c.TokensPerMinute,
		c.TotalCost,
	)
	if err != nil {
		return fmt.Errorf("create caller: %w", err)
	}
	return nil
}

// UpdateCallerCredentials overwrites the given (already encrypted) credentials.
// Providers missing from creds keep their stored value.
func (db *DB) UpdateCallerCredentials(ctx context.Context, virtualKey string, creds map[string]string) error {
	if len(creds) == 0 {
		return nil
	}

	sets := make([]string, 0, len(creds))
	args := make([]any, 0, len(creds)+1)
	// iterate the fixed provider order so the statement text is stable
	for _, provider := range models.SupportedProviders {
		v, ok := creds[provider]
		if !ok {
			continue
		}
		sets = append(sets, credentialColumns[provider]+" = ?")
		args = append(args, v)
	}
	for provider := range creds {
		if _, ok := credentialColumns[provider]; !ok {
			return fmt.Errorf("update credentials: unsupported provider %q", provider)
		}
	}
	args = append(args, virtualKey)

	query := "UPDATE callers SET " + strings.Join(sets, ", ") + " WHERE virtual_key = ?"
	res, err := db.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	return requireRow(res)
}

// IncrementCallerCost adds delta to the caller's cumulative cost in a single statement
func (db *DB) IncrementCallerCost(ctx context.Context, virtualKey string, delta float64) error {
	query := `UPDATE callers SET total_cost = total_cost + ? WHERE virtual_key = ?`
	res, err := db.exec(ctx, query, delta, virtualKey)
	if err != nil {
		return fmt.Errorf("increment cost: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
