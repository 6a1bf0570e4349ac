package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestLoadMigrations_OrderedLexically(t *testing.T) {
	migs, err := loadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migs) < 3 {
		t.Fatalf("expected at least 3 embedded migrations, got %d", len(migs))
	}
	for i := 1; i < len(migs); i++ {
		if migs[i-1].id >= migs[i].id {
			t.Fatalf("expected lexical order, got %s before %s", migs[i-1].id, migs[i].id)
		}
	}
}

func TestLoadMigrations_ChecksumsAreStable(t *testing.T) {
	a, err := loadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := loadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range a {
		if a[i].checksum != b[i].checksum {
			t.Fatalf("expected stable checksum for %s", a[i].id)
		}
	}
}

func TestIsAlreadyAppliedShape(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"42701", true},
		{"42710", true},
		{"42P07", true},
		{"42601", false},
	}
	for _, c := range cases {
		err := &pgconn.PgError{Code: c.code}
		if got := isAlreadyAppliedShape(err); got != c.want {
			t.Errorf("isAlreadyAppliedShape(%s) = %v, want %v", c.code, got, c.want)
		}
	}
	if isAlreadyAppliedShape(errors.New("unrelated")) {
		t.Errorf("expected non-pg errors to never be treated as already-applied")
	}
}
