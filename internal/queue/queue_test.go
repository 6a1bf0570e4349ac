package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

type fakeStore struct {
	mu         sync.Mutex
	enqueued   []*models.JobRecord
	completed  []string
	failed     []string
	terminal   []string
	staleJobs  []*models.JobRecord
}

func (f *fakeStore) Enqueue(ctx context.Context, job *models.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) MarkTerminalFailed(ctx context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = append(f.terminal, id)
	return nil
}

func (f *fakeStore) RecoverStale(ctx context.Context, cutoff time.Time) ([]*models.JobRecord, error) {
	return f.staleJobs, nil
}

func testCfg() *config.Config {
	return &config.Config{
		WorkerConcurrency:  2,
		GlobalRateLimit:    1000,
		GlobalRateWindow:   time.Minute,
		MaxAttempts:        3,
		BackoffBaseMs:      1,
		BackoffCapMs:       5,
		BackoffJitterMinMs: 1,
		BackoffJitterMaxMs: 2,
		WarnDepth:          9,
		AutoPauseDepth:     11,
		AutoResumeDepth:    8,
		GracefulShutdown:   2 * time.Second,
	}
}

func TestQueue_EnqueueAndProcessSuccess(t *testing.T) {
	store := &fakeStore{}
	var completedEvents int32
	q := New(testCfg(), store, func(event string, job *models.JobRecord) {
		if event == "jobCompleted" {
			atomic.AddInt32(&completedEvents, 1)
		}
	})
	var ran int32
	q.RegisterHandler("noop", func(ctx context.Context, job *models.JobRecord) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Run(ctx)
	defer q.Shutdown()

	if _, err := q.Enqueue(ctx, LaneProcessing, "noop", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&ran) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected handler to run once, ran=%d", ran)
	}
}

func TestQueue_RequeuesOnFailureThenTerminalFails(t *testing.T) {
	store := &fakeStore{}
	var terminalEvents int32
	q := New(testCfg(), store, func(event string, job *models.JobRecord) {
		if event == "jobFailed" {
			atomic.AddInt32(&terminalEvents, 1)
		}
	})
	q.RegisterHandler("always-fail", func(ctx context.Context, job *models.JobRecord) error {
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Run(ctx)
	defer q.Shutdown()

	if _, err := q.Enqueue(ctx, LaneProcessing, "always-fail", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&terminalEvents) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&terminalEvents) != 1 {
		t.Fatalf("expected exactly one terminal jobFailed event, got %d", terminalEvents)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.terminal) != 1 {
		t.Fatalf("expected one terminal-failed persistence call, got %d", len(store.terminal))
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	var pq priorityQueue
	low := &pendingItem{job: &models.JobRecord{ID: "low", Priority: 0, CreatedAt: time.Unix(1, 0)}}
	high := &pendingItem{job: &models.JobRecord{ID: "high", Priority: 5, CreatedAt: time.Unix(2, 0)}}
	earlierSamePriority := &pendingItem{job: &models.JobRecord{ID: "earlier", Priority: 5, CreatedAt: time.Unix(1, 0)}}

	pq = append(pq, low, high, earlierSamePriority)
	if !pq.Less(1, 0) {
		t.Fatalf("expected higher priority to sort first")
	}
	if !pq.Less(2, 1) {
		t.Fatalf("expected earlier CreatedAt to win FIFO tie-break within same priority")
	}
}

func TestQueue_BackpressureHysteresis(t *testing.T) {
	store := &fakeStore{}
	q := New(testCfg(), store, nil)

	for i := 0; i < 11; i++ {
		q.admit(LaneCapture, &models.JobRecord{ID: string(rune('a' + i)), CreatedAt: time.Now()})
	}
	q.EvaluateBackpressure()
	if !q.Paused(LaneCapture) {
		t.Fatalf("expected capture lane to auto-pause at depth 11")
	}

	ls := q.lanes[LaneCapture]
	ls.mu.Lock()
	for ls.pending.Len() > 9 {
		_ = ls.pending.Pop()
	}
	ls.mu.Unlock()

	q.EvaluateBackpressure()
	if !q.Paused(LaneCapture) {
		t.Fatalf("expected capture lane still paused above resume depth (hysteresis)")
	}

	ls.mu.Lock()
	for ls.pending.Len() > 0 {
		_ = ls.pending.Pop()
	}
	ls.mu.Unlock()

	q.EvaluateBackpressure()
	if q.Paused(LaneCapture) {
		t.Fatalf("expected capture lane to auto-resume at depth <= 8")
	}
}

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	cfg := testCfg()
	cfg.BackoffBaseMs = 1000
	cfg.BackoffCapMs = 30000
	cfg.BackoffJitterMinMs = 250
	cfg.BackoffJitterMaxMs = 1250

	d0 := backoffDelay(cfg, 0)
	d3 := backoffDelay(cfg, 3)
	if d3 <= d0 {
		t.Fatalf("expected backoff to grow with attempt count: d0=%s d3=%s", d0, d3)
	}

	dHuge := backoffDelay(cfg, 20)
	maxPossible := time.Duration(cfg.BackoffCapMs+cfg.BackoffJitterMaxMs) * time.Millisecond
	if dHuge > maxPossible {
		t.Fatalf("expected backoff to cap at %s, got %s", maxPossible, dHuge)
	}
}

func TestQueue_RecoverStaleLeasesRedelivers(t *testing.T) {
	store := &fakeStore{staleJobs: []*models.JobRecord{
		{ID: "stale-1", Lane: string(LaneProcessing), CreatedAt: time.Now()},
	}}
	q := New(testCfg(), store, nil)

	n, err := q.RecoverStaleLeases(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}
	if q.Depth(LaneProcessing) != 1 {
		t.Fatalf("expected recovered job admitted to processing lane, depth=%d", q.Depth(LaneProcessing))
	}
}
