// Package store persists Scan Jobs, operator sessions, and their events
// over PostgreSQL via pgxpool, in the teacher's raw-SQL-with-context
// style. It implements the interfaces internal/statemachine and
// internal/queue depend on so either package can be unit-tested against
// a fake while production wiring uses this implementation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardmint/scan-core/internal/statemachine"
	"github.com/cardmint/scan-core/pkg/models"
)

// Store wraps a pgxpool connection pool with CardMint's persistence
// operations.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("[Store] connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for the migration runner and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// epochMs converts a time.Time to the epoch-millisecond BIGINT the
// schema stores, per spec's persisted-representation requirement.
func epochMs(t time.Time) int64 { return t.UnixMilli() }

// fromEpochMs is epochMs's inverse, used when scanning a row back out.
func fromEpochMs(ms int64) time.Time { return time.UnixMilli(ms) }

// epochMsPtr is epochMs for an optional timestamp column.
func epochMsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// fromEpochMsPtr is epochMsPtr's inverse.
func fromEpochMsPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

// Get fetches a ScanJob by id. Implements statemachine.Store.
func (s *Store) Get(ctx context.Context, jobID string) (*models.ScanJob, error) {
	const q = `
		SELECT id, created_at, updated_at, status, raw_image_ref, processed_image_ref,
		       master_image_ref, extracted, candidates, timings, retry_count,
		       error_code, error_message, operator_id, lease_processor_id, lease_locked_at,
		       inference_path, truth_core
		FROM scans
		WHERE id = $1
	`
	row := s.pool.QueryRow(ctx, q, jobID)
	return scanJob(row)
}

// Save persists job atomically iff the row's current updated_at still
// equals expectedUpdatedAt. Implements statemachine.Store.
func (s *Store) Save(ctx context.Context, job *models.ScanJob, expectedUpdatedAt time.Time) error {
	extracted, err := marshalNullable(job.Extracted)
	if err != nil {
		return err
	}
	candidates, err := json.Marshal(job.Candidates)
	if err != nil {
		return err
	}
	timings, err := json.Marshal(job.Timings)
	if err != nil {
		return err
	}
	truthCore, err := marshalNullable(job.TruthCore)
	if err != nil {
		return err
	}

	const q = `
		UPDATE scans SET
			updated_at = $1, status = $2, raw_image_ref = $3, processed_image_ref = $4,
			master_image_ref = $5, extracted = $6, candidates = $7, timings = $8,
			retry_count = $9, error_code = $10, error_message = $11, operator_id = $12,
			lease_processor_id = $13, lease_locked_at = $14, inference_path = $15, truth_core = $16
		WHERE id = $17 AND updated_at = $18
	`
	var leaseLockedAt *int64
	if job.Lease.ProcessorID != "" {
		leaseLockedAt = epochMsPtr(&job.Lease.LockedAt)
	}

	tag, err := s.pool.Exec(ctx, q,
		epochMs(job.UpdatedAt), job.Status, job.RawImageRef, job.ProcessedImageRef,
		job.MasterImageRef, extracted, candidates, timings,
		job.RetryCount, job.ErrorCode, job.ErrorMessage, job.OperatorID,
		nullString(job.Lease.ProcessorID), leaseLockedAt, job.InferencePath, truthCore,
		job.ID, epochMs(expectedUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: save job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return errStaleWriteOrMissing(ctx, s.pool, job.ID)
	}
	return nil
}

// ErrStaleWrite is statemachine.ErrStaleWrite, so a lost optimistic-
// concurrency race reaches the state machine as the error it checks for.
var ErrStaleWrite = statemachine.ErrStaleWrite

func errStaleWriteOrMissing(ctx context.Context, pool *pgxpool.Pool, id string) error {
	var exists bool
	_ = pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM scans WHERE id = $1)`, id).Scan(&exists)
	if !exists {
		return fmt.Errorf("store: job %s not found", id)
	}
	return ErrStaleWrite
}

// ListScans returns up to limit scans, most recently updated first,
// optionally filtered to a single status.
func (s *Store) ListScans(ctx context.Context, status *models.Status, limit int) ([]*models.ScanJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	const baseQ = `
		SELECT id, created_at, updated_at, status, raw_image_ref, processed_image_ref,
		       master_image_ref, extracted, candidates, timings, retry_count,
		       error_code, error_message, operator_id, lease_processor_id, lease_locked_at,
		       inference_path, truth_core
		FROM scans
	`
	if status != nil {
		rows, err = s.pool.Query(ctx, baseQ+` WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, *status, limit)
	} else {
		rows, err = s.pool.Query(ctx, baseQ+` ORDER BY updated_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// InsertScan creates a new scans row for a freshly-detected capture.
func (s *Store) InsertScan(ctx context.Context, job *models.ScanJob) error {
	timings, _ := json.Marshal(job.Timings)
	const q = `
		INSERT INTO scans (id, created_at, updated_at, status, raw_image_ref, timings, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, q, job.ID, epochMs(job.CreatedAt), epochMs(job.UpdatedAt), job.Status, job.RawImageRef, timings)
	return err
}

func scanJob(row pgx.Row) (*models.ScanJob, error) {
	var j models.ScanJob
	var extracted, candidates, timings, truthCore []byte
	var leaseProcessorID *string
	var leaseLockedAt *int64
	var createdAt, updatedAt int64

	err := row.Scan(
		&j.ID, &createdAt, &updatedAt, &j.Status, &j.RawImageRef, &j.ProcessedImageRef,
		&j.MasterImageRef, &extracted, &candidates, &timings, &j.RetryCount,
		&j.ErrorCode, &j.ErrorMessage, &j.OperatorID, &leaseProcessorID, &leaseLockedAt,
		&j.InferencePath, &truthCore,
	)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = fromEpochMs(createdAt)
	j.UpdatedAt = fromEpochMs(updatedAt)
	if leaseProcessorID != nil {
		j.Lease.ProcessorID = *leaseProcessorID
	}
	if leaseLockedAt != nil {
		j.Lease.LockedAt = *fromEpochMsPtr(leaseLockedAt)
	}
	if len(extracted) > 0 {
		j.Extracted = &models.ExtractedFields{}
		if err := json.Unmarshal(extracted, j.Extracted); err != nil {
			return nil, err
		}
	}
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &j.Candidates); err != nil {
			return nil, err
		}
	}
	if len(timings) > 0 {
		if err := json.Unmarshal(timings, &j.Timings); err != nil {
			return nil, err
		}
	}
	if len(truthCore) > 0 {
		j.TruthCore = &models.TruthCore{}
		if err := json.Unmarshal(truthCore, j.TruthCore); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
