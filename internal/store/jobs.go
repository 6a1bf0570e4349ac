package store

import (
	"context"
	"time"

	"github.com/cardmint/scan-core/pkg/models"
)

// Enqueue persists a new queue job record. Implements queue.Store.
func (s *Store) Enqueue(ctx context.Context, job *models.JobRecord) error {
	const q = `
		INSERT INTO jobs (id, lane, type, payload, priority, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, q, job.ID, job.Lane, job.Type, job.Payload, job.Priority, job.Attempts, job.MaxAttempts, epochMs(job.CreatedAt))
	return err
}

// MarkCompleted records a successfully finished queue job. Implements queue.Store.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	const q = `UPDATE jobs SET completed_at = $2, lease_owner = NULL WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, epochMs(time.Now()))
	return err
}

// MarkFailed records a retriable failure and its next eligible attempt time.
// Implements queue.Store.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	const q = `
		UPDATE jobs SET attempts = attempts + 1, last_error = $2, not_before = $3, lease_owner = NULL
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, q, id, errMsg, epochMs(nextAttemptAt))
	return err
}

// MarkTerminalFailed records a job that exhausted max-attempts. Implements queue.Store.
func (s *Store) MarkTerminalFailed(ctx context.Context, id, errMsg string) error {
	const q = `
		UPDATE jobs SET attempts = attempts + 1, last_error = $2, completed_at = $3, lease_owner = NULL
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, q, id, errMsg, epochMs(time.Now()))
	return err
}

// RecoverStale returns jobs whose lease predates cutoff and whose work
// never completed, for crash-recovery redelivery. Implements queue.Store.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time) ([]*models.JobRecord, error) {
	const q = `
		SELECT id, lane, type, payload, priority, attempts, max_attempts, created_at, last_error
		FROM jobs
		WHERE completed_at IS NULL AND started_at IS NOT NULL AND started_at < $1
	`
	rows, err := s.pool.Query(ctx, q, epochMs(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.JobRecord
	for rows.Next() {
		var j models.JobRecord
		var createdAt int64
		if err := rows.Scan(&j.ID, &j.Lane, &j.Type, &j.Payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &createdAt, &j.LastError); err != nil {
			return nil, err
		}
		j.CreatedAt = fromEpochMs(createdAt)
		out = append(out, &j)
	}
	return out, rows.Err()
}
