package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/cardmint/scan-core/pkg/models"
)

// SaveSession upserts an operator session's current state.
func (s *Store) SaveSession(ctx context.Context, sess *models.OperatorSession) error {
	const q = `
		INSERT INTO operator_sessions (id, phase, started_at, ended_at, heartbeat, baseline, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase, ended_at = EXCLUDED.ended_at,
			heartbeat = EXCLUDED.heartbeat, baseline = EXCLUDED.baseline, notes = EXCLUDED.notes
	`
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.Phase, epochMs(sess.StartedAt), epochMsPtr(sess.EndedAt), epochMs(sess.Heartbeat), sess.Baseline, sess.Notes)
	return err
}

// ActiveSession returns the single session currently in RUNNING or
// VALIDATING, enforcing spec's at-most-one-active invariant at the read
// boundary; returns nil, nil if none is active.
func (s *Store) ActiveSession(ctx context.Context) (*models.OperatorSession, error) {
	const q = `
		SELECT id, phase, started_at, ended_at, heartbeat, baseline, notes
		FROM operator_sessions
		WHERE phase IN ('RUNNING', 'VALIDATING')
		ORDER BY started_at DESC
		LIMIT 1
	`
	var sess models.OperatorSession
	var startedAt, heartbeat int64
	var endedAt *int64
	err := s.pool.QueryRow(ctx, q).Scan(
		&sess.ID, &sess.Phase, &startedAt, &endedAt, &heartbeat, &sess.Baseline, &sess.Notes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess.StartedAt = fromEpochMs(startedAt)
	sess.Heartbeat = fromEpochMs(heartbeat)
	sess.EndedAt = fromEpochMsPtr(endedAt)
	return &sess, nil
}

// AppendSessionEvent persists one append-only session event.
func (s *Store) AppendSessionEvent(ctx context.Context, ev *models.SessionEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO operator_session_events (id, session_id, level, source, message, job_id, field_diffs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.pool.Exec(ctx, q, ev.ID, ev.SessionID, ev.Level, ev.Source, ev.Message, jobIDFromPayload(ev.Payload), payload, epochMs(ev.Timestamp))
	return err
}

func jobIDFromPayload(payload map[string]interface{}) any {
	if payload == nil {
		return nil
	}
	if v, ok := payload["jobId"]; ok {
		return v
	}
	return nil
}

// SessionEventsSince returns session's events with timestamp > since,
// ordered ascending — the range scan on (session_id, timestamp) spec §9
// calls for.
func (s *Store) SessionEventsSince(ctx context.Context, sessionID string, since models.SessionEvent) ([]*models.SessionEvent, error) {
	const q = `
		SELECT id, session_id, level, source, message, field_diffs, created_at
		FROM operator_session_events
		WHERE session_id = $1 AND created_at > $2
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, q, sessionID, epochMs(since.Timestamp))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var payload []byte
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Level, &ev.Source, &ev.Message, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev.Timestamp = fromEpochMs(createdAt)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
