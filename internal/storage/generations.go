package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maestro-crm/maestro/internal/model"
)

// InsertGeneration writes one audit row for a generation attempt.
func (db *DB) InsertGeneration(ctx context.Context, rec model.GenerationRecord) error {
	params, err := marshalParams(rec.InputParams)
	if err != nil {
		return err
	}

	if _, err := db.pool.Exec(ctx,
		`INSERT INTO generation_records
		     (id, user_id, generation_type, agent_id, model_id, provider,
		      input_params, output_content, is_successful, error_message,
		      context_type, context_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.UserID, string(rec.Type), rec.AgentID, rec.ModelID, rec.Provider,
		params, rec.OutputContent, rec.IsSuccessful, rec.ErrorMessage,
		rec.ContextType, rec.ContextID, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert generation: %w", err)
	}
	return nil
}

// InsertGenerations writes a batch of audit rows using the COPY protocol.
// Used by the buffered audit writer to amortize round trips.
func (db *DB) InsertGenerations(ctx context.Context, recs []model.GenerationRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	columns := []string{"id", "user_id", "generation_type", "agent_id", "model_id", "provider",
		"input_params", "output_content", "is_successful", "error_message",
		"context_type", "context_id", "created_at"}

	rows := make([][]any, len(recs))
	for i, rec := range recs {
		params, err := marshalParams(rec.InputParams)
		if err != nil {
			return 0, err
		}
		rows[i] = []any{rec.ID, rec.UserID, string(rec.Type), rec.AgentID, rec.ModelID, rec.Provider,
			params, rec.OutputContent, rec.IsSuccessful, rec.ErrorMessage,
			rec.ContextType, rec.ContextID, rec.CreatedAt}
	}

	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"generation_records"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: insert generations: %w", err)
	}
	return n, nil
}

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal input params: %w", err)
	}
	return b, nil
}
