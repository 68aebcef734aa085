package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mrmushfiq/langroute/internal/shared/models"
)

// LogUsage appends one usage log entry
func (db *DB) LogUsage(ctx context.Context, e *models.UsageLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	request, err := json.Marshal(e.Request)
	if err != nil {
		return fmt.Errorf("encode request payload: %w", err)
	}
	response, err := json.Marshal(e.Response)
	if err != nil {
		return fmt.Errorf("encode response payload: %w", err)
	}

	query := `
		INSERT INTO usage_logs (
			id, virtual_key, request_id, model, provider, input_tokens, output_tokens,
			input_cost, output_cost, total_cost, request, response, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.exec(ctx,
		query,
		e.ID,
		e.VirtualKey,
		e.RequestID,
		e.Model,
		e.Provider,
		e.InputTokens,
		e.OutputTokens,
		e.InputCost,
		e.OutputCost,
		e.TotalCost,
		string(request),
		string(response),
		e.CreatedAt.UTC(),
		e.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}
