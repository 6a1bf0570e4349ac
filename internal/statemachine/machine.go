package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cardmint/scan-core/pkg/models"
)

// ErrStaleWrite is returned by a Store when the durable row changed
// between Get and Save — the caller lost a race and must re-fetch.
var ErrStaleWrite = errors.New("statemachine: stale write, row changed concurrently")

// Store is the durable persistence boundary the state machine depends
// on. internal/store implements this over pgx; tests can fake it.
type Store interface {
	Get(ctx context.Context, jobID string) (*models.ScanJob, error)
	// Save persists job atomically (status, updatedAt, and every derived
	// field in one durable write) iff the row's current UpdatedAt still
	// equals expectedUpdatedAt. Returns ErrStaleWrite otherwise.
	Save(ctx context.Context, job *models.ScanJob, expectedUpdatedAt time.Time) error
}

// Machine enforces spec §4.2's edges and lease discipline atop a Store.
type Machine struct {
	store      Store
	leaseTTL   time.Duration
	now        func() time.Time
}

func New(store Store, leaseTTL time.Duration) *Machine {
	return &Machine{store: store, leaseTTL: leaseTTL, now: time.Now}
}

// AcquireLease performs the CAS described in spec §4.2: it succeeds iff
// the job is currently unowned or the existing lease has expired. On
// success it persists the new lease and returns the fetched job; on
// failure it returns ErrLeaseLost without mutating anything.
func (m *Machine) AcquireLease(ctx context.Context, jobID, processorID string) (*models.ScanJob, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		// Return the job alongside the error: a caller re-issuing the same
		// operator decision against an already-terminal job (e.g. a
		// repeated accept) needs to see the current status to treat it as
		// a no-op rather than a hard failure.
		return job, fmt.Errorf("%s: job %s is already terminal (%s)", ErrAlreadyTerminal, jobID, job.Status)
	}

	now := m.now()
	if job.Lease.ProcessorID != "" && !job.Lease.Expired(now, m.leaseTTL) && job.Lease.ProcessorID != processorID {
		return nil, fmt.Errorf("%s: job %s is held by %s", ErrLeaseLost, jobID, job.Lease.ProcessorID)
	}

	prevUpdated := job.UpdatedAt
	job.Lease = models.Lease{ProcessorID: processorID, LockedAt: now}
	job.UpdatedAt = now

	if err := m.store.Save(ctx, job, prevUpdated); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			return nil, fmt.Errorf("%s: lost race acquiring lease for job %s", ErrLeaseLost, jobID)
		}
		return nil, err
	}
	return job, nil
}

// ReleaseLease clears ownership without changing status, for an
// explicit unlock command.
func (m *Machine) ReleaseLease(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	prevUpdated := job.UpdatedAt
	job.Lease = models.Lease{}
	job.UpdatedAt = m.now()
	return m.store.Save(ctx, job, prevUpdated)
}

// Transition advances job from its current status to `to`, applying
// mutate to set any derived fields, in one atomic durable write. The
// caller must already hold the lease (via AcquireLease) for every
// non-terminal `to`; terminal transitions release the lease as part of
// the same write.
func (m *Machine) Transition(ctx context.Context, job *models.ScanJob, to models.Status, mutate func(*models.ScanJob)) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%s: %s -> %s is not a permitted edge", ErrInvalidTransition, job.Status, to)
	}

	prevUpdated := job.UpdatedAt
	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	job.UpdatedAt = m.now()

	if to.Terminal() {
		job.Lease = models.Lease{}
	}

	if err := m.store.Save(ctx, job, prevUpdated); err != nil {
		return err
	}
	return nil
}

// Fail is a convenience wrapper for the "any non-terminal state may
// transition to FAILED on a non-retriable error" rule.
func (m *Machine) Fail(ctx context.Context, job *models.ScanJob, errorCode, errorMessage string) error {
	return m.Transition(ctx, job, models.StatusFailed, func(j *models.ScanJob) {
		j.ErrorCode = errorCode
		j.ErrorMessage = errorMessage
	})
}
