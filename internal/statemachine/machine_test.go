package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cardmint/scan-core/pkg/models"
)

type memStore struct {
	jobs map[string]*models.ScanJob
}

func newMemStore(job *models.ScanJob) *memStore {
	cp := *job
	return &memStore{jobs: map[string]*models.ScanJob{job.ID: &cp}}
}

func (s *memStore) Get(ctx context.Context, id string) (*models.ScanJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) Save(ctx context.Context, job *models.ScanJob, expectedUpdatedAt time.Time) error {
	existing, ok := s.jobs[job.ID]
	if ok && !existing.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrStaleWrite
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func TestCanTransition_ForwardEdges(t *testing.T) {
	valid := []struct{ from, to models.Status }{
		{models.StatusQueued, models.StatusCapturing},
		{models.StatusCapturing, models.StatusCaptured},
		{models.StatusCaptured, models.StatusPreprocessing},
		{models.StatusPreprocessing, models.StatusInferencing},
		{models.StatusInferencing, models.StatusCandidatesReady},
		{models.StatusCandidatesReady, models.StatusOperatorPending},
		{models.StatusOperatorPending, models.StatusAccepted},
		{models.StatusOperatorPending, models.StatusInferencing}, // re-scan
	}
	for _, v := range valid {
		if !CanTransition(v.from, v.to) {
			t.Errorf("expected %s -> %s to be permitted", v.from, v.to)
		}
	}
}

func TestCanTransition_RejectsArbitraryJumpAndTerminalEscape(t *testing.T) {
	if CanTransition(models.StatusQueued, models.StatusAccepted) {
		t.Errorf("expected QUEUED -> ACCEPTED to be rejected")
	}
	if CanTransition(models.StatusAccepted, models.StatusFailed) {
		t.Errorf("terminal state must never transition, even to FAILED")
	}
	if !CanTransition(models.StatusInferencing, models.StatusFailed) {
		t.Errorf("expected any non-terminal state to reach FAILED")
	}
}

func TestMachine_AcquireLease_SucceedsWhenUnowned(t *testing.T) {
	job := &models.ScanJob{ID: "j1", Status: models.StatusQueued, UpdatedAt: time.Now()}
	store := newMemStore(job)
	m := New(store, time.Minute)

	got, err := m.AcquireLease(context.Background(), "j1", "worker-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Lease.ProcessorID != "worker-a" {
		t.Fatalf("expected lease owner worker-a, got %q", got.Lease.ProcessorID)
	}
}

func TestMachine_AcquireLease_FailsWhenHeldAndFresh(t *testing.T) {
	job := &models.ScanJob{ID: "j1", Status: models.StatusQueued, UpdatedAt: time.Now(),
		Lease: models.Lease{ProcessorID: "worker-a", LockedAt: time.Now()}}
	store := newMemStore(job)
	m := New(store, time.Minute)

	_, err := m.AcquireLease(context.Background(), "j1", "worker-b")
	if err == nil {
		t.Fatalf("expected LEASE_LOST when another worker holds a fresh lease")
	}
}

func TestMachine_AcquireLease_SucceedsWhenLeaseExpired(t *testing.T) {
	job := &models.ScanJob{ID: "j1", Status: models.StatusQueued, UpdatedAt: time.Now(),
		Lease: models.Lease{ProcessorID: "worker-a", LockedAt: time.Now().Add(-10 * time.Minute)}}
	store := newMemStore(job)
	m := New(store, time.Minute)

	got, err := m.AcquireLease(context.Background(), "j1", "worker-b")
	if err != nil {
		t.Fatalf("expected takeover of expired lease, got error: %v", err)
	}
	if got.Lease.ProcessorID != "worker-b" {
		t.Fatalf("expected new owner worker-b, got %q", got.Lease.ProcessorID)
	}
}

func TestMachine_AcquireLease_TerminalJobReturnsJobAndError(t *testing.T) {
	job := &models.ScanJob{ID: "j1", Status: models.StatusAccepted, UpdatedAt: time.Now()}
	store := newMemStore(job)
	m := New(store, time.Minute)

	got, err := m.AcquireLease(context.Background(), "j1", "operator-a")
	if err == nil {
		t.Fatalf("expected ALREADY_TERMINAL error for a job already in ACCEPTED")
	}
	if got == nil || got.Status != models.StatusAccepted {
		t.Fatalf("expected the already-terminal job to still be returned, got %+v", got)
	}
}

func TestMachine_Transition_RejectsInvalidEdge(t *testing.T) {
	job := &models.ScanJob{ID: "j1", Status: models.StatusQueued, UpdatedAt: time.Now()}
	store := newMemStore(job)
	m := New(store, time.Minute)

	err := m.Transition(context.Background(), job, models.StatusAccepted, nil)
	if err == nil {
		t.Fatalf("expected INVALID_TRANSITION error")
	}
}

func TestMachine_Transition_TerminalReleasesLease(t *testing.T) {
	job := &models.ScanJob{
		ID: "j1", Status: models.StatusOperatorPending, UpdatedAt: time.Now(),
		Lease: models.Lease{ProcessorID: "worker-a", LockedAt: time.Now()},
	}
	store := newMemStore(job)
	m := New(store, time.Minute)

	if err := m.Transition(context.Background(), job, models.StatusAccepted, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Lease.ProcessorID != "" {
		t.Fatalf("expected lease released on terminal transition")
	}
}

func TestApplyOverride_ValidatesSetNumber(t *testing.T) {
	job := &models.ScanJob{}
	bad := "abc"
	_, err := ApplyOverride(job, OverrideInput{SetNumber: &bad})
	if err == nil {
		t.Fatalf("expected validation error for malformed set_number")
	}
}

func TestApplyOverride_ProducesDiff(t *testing.T) {
	job := &models.ScanJob{Extracted: &models.ExtractedFields{Name: "Pikacu"}}
	name := "Pikachu"
	diffs, err := ApplyOverride(job, OverrideInput{CardName: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diffs) != 1 || diffs[0].Before != "Pikacu" || diffs[0].After != "Pikachu" {
		t.Fatalf("unexpected diff: %+v", diffs)
	}
}
