package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	id       string
	sql      string
	checksum string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	migs := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		migs = append(migs, migration{
			id:       strings.TrimSuffix(e.Name(), ".sql"),
			sql:      string(body),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].id < migs[j].id })
	return migs, nil
}

// Migrate applies every unapplied migration in migrations/ in lexical id
// order, tracking id+checksum in schema_migrations. A migration whose
// body fails with an "already exists"-shaped error (duplicate column,
// constraint, or relation — the common result of a migration partially
// applied before a crash) is tolerated: it is marked applied and the
// runner continues, per spec.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM NOW()) * 1000)::BIGINT
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	migs, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.pool.Query(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: query applied migrations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migs {
		if applied[m.id] {
			continue
		}
		if err := s.applyOne(ctx, m); err != nil {
			return fmt.Errorf("store: migration %s: %w", m.id, err)
		}
	}
	return nil
}

func (s *Store) applyOne(ctx context.Context, m migration) error {
	_, err := s.pool.Exec(ctx, m.sql)
	if err != nil && !isAlreadyAppliedShape(err) {
		return err
	}
	if err != nil {
		log.Printf("[Store] migration %s reports already-applied shape (%v), marking applied", m.id, err)
	}
	_, markErr := s.pool.Exec(ctx,
		`INSERT INTO schema_migrations (id, checksum) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		m.id, m.checksum,
	)
	return markErr
}

// isAlreadyAppliedShape recognizes the Postgres error classes produced
// by re-running a DDL statement that already succeeded: duplicate
// column (42701), duplicate object/constraint (42710), duplicate table
// (42P07).
func isAlreadyAppliedShape(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "42701", "42710", "42P07":
		return true
	default:
		return false
	}
}
