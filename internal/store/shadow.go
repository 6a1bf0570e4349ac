package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cardmint/scan-core/internal/inference"
)

// SaveShadowResult persists one primary-vs-fallback comparison row.
// Implements inference.ShadowStore.
func (s *Store) SaveShadowResult(ctx context.Context, r inference.ShadowResult) error {
	primary, err := json.Marshal(r.PrimaryFields)
	if err != nil {
		return err
	}
	fallback, err := json.Marshal(r.FallbackFields)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO shadow_results (id, job_id, primary_fields, fallback_fields, fields_diverged, ran_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.pool.Exec(ctx, q, uuid.NewString(), r.JobID, primary, fallback, r.FieldsDiverged, epochMs(r.RanAt))
	return err
}

// ShadowDriftReport aggregates every shadow comparison on file.
// Implements inference.ShadowStore.
func (s *Store) ShadowDriftReport(ctx context.Context) (totalRuns int, divergences int, err error) {
	const q = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE array_length(fields_diverged, 1) > 0)
		FROM shadow_results
	`
	err = s.pool.QueryRow(ctx, q).Scan(&totalRuns, &divergences)
	return
}
