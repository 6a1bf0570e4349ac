// Package queue implements the Job Queue & Worker Pool of spec.md §4.3:
// two lanes (capture, processing), priority scheduling with FIFO
// tie-break, per-worker concurrency, a global rate limit, exponential
// backoff with jitter, auto-pause/resume hysteresis, and cooperative
// pause/drain/shutdown.
package queue

import (
	"container/heap"
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

// Lane identifies one of the two logical queues of spec §4.3.
type Lane string

const (
	LaneCapture    Lane = "capture"
	LaneProcessing Lane = "processing"
)

// Handler processes a single job's payload. A returned error marks the
// attempt failed and triggers backoff/requeue.
type Handler func(ctx context.Context, job *models.JobRecord) error

// Counters tracks one lane's waiting/active/completed/failed totals.
type Counters struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Store is the durable persistence boundary for job records. internal/store
// implements it over pgx; tests can fake it.
type Store interface {
	Enqueue(ctx context.Context, job *models.JobRecord) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	MarkTerminalFailed(ctx context.Context, id, errMsg string) error
	// RecoverStale returns in-flight jobs whose lease predates cutoff, for
	// crash-recovery redelivery.
	RecoverStale(ctx context.Context, cutoff time.Time) ([]*models.JobRecord, error)
}

type pendingItem struct {
	job   *models.JobRecord
	index int
}

// priorityQueue orders by descending priority, then ascending CreatedAt
// (FIFO within a priority tier), satisfying container/heap.Interface.
type priorityQueue []*pendingItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i].job, pq[j].job
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

type laneState struct {
	mu       sync.Mutex
	pending  priorityQueue
	counters Counters
	paused   bool
}

// Queue is the Job Queue & Worker Pool of spec §4.3.
type Queue struct {
	cfg   *config.Config
	store Store

	lanes map[Lane]*laneState

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	rateMu     sync.Mutex
	rateWindow time.Time
	rateCount  int

	sem chan struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	onEvent func(event string, job *models.JobRecord)
}

// New builds a Queue with an idle worker semaphore sized to
// cfg.WorkerConcurrency and the given lanes pre-registered.
func New(cfg *config.Config, store Store, onEvent func(event string, job *models.JobRecord)) *Queue {
	q := &Queue{
		cfg:     cfg,
		store:   store,
		lanes:   map[Lane]*laneState{LaneCapture: {}, LaneProcessing: {}},
		handlers: map[string]Handler{},
		sem:      make(chan struct{}, cfg.WorkerConcurrency),
		stopCh:   make(chan struct{}),
		onEvent:  onEvent,
	}
	return q
}

// RegisterHandler binds a job type tag to the function that executes it.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue persists job and admits it to lane's in-memory schedule.
func (q *Queue) Enqueue(ctx context.Context, lane Lane, jobType string, payload []byte, priority int) (*models.JobRecord, error) {
	job := &models.JobRecord{
		ID:          uuid.NewString(),
		Lane:        string(lane),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	q.admit(lane, job)
	return job, nil
}

func (q *Queue) admit(lane Lane, job *models.JobRecord) {
	ls := q.lanes[lane]
	ls.mu.Lock()
	heap.Push(&ls.pending, &pendingItem{job: job})
	ls.counters.Waiting++
	ls.mu.Unlock()
}

// Depth reports lane's current waiting count, used for the watcher's
// backpressure check and the auto-pause/resume hysteresis below.
func (q *Queue) Depth(lane Lane) int {
	ls := q.lanes[lane]
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.pending)
}

// Counters returns a snapshot of lane's waiting/active/completed/failed totals.
func (q *Queue) Counters(lane Lane) Counters {
	ls := q.lanes[lane]
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.counters
}

// Paused reports whether lane is currently suspended by auto-pause
// hysteresis or an explicit Pause call.
func (q *Queue) Paused(lane Lane) bool {
	ls := q.lanes[lane]
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.paused
}

// Run starts cfg.WorkerConcurrency goroutines per lane that draw, execute, and
// requeue jobs until ctx is cancelled or Shutdown is called.
func (q *Queue) Run(ctx context.Context) {
	for lane := range q.lanes {
		for i := 0; i < q.cfg.WorkerConcurrency; i++ {
			q.wg.Add(1)
			go q.worker(ctx, lane, i)
		}
	}
}

func (q *Queue) worker(ctx context.Context, lane Lane, workerIdx int) {
	defer q.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.tryDispatch(ctx, lane)
		}
	}
}

func (q *Queue) tryDispatch(ctx context.Context, lane Lane) {
	if q.Paused(lane) {
		return
	}
	if !q.allowRate() {
		return
	}

	ls := q.lanes[lane]
	ls.mu.Lock()
	var job *models.JobRecord
	now := time.Now()
	var requeue []*pendingItem
	for ls.pending.Len() > 0 {
		item := heap.Pop(&ls.pending).(*pendingItem)
		if item.job.NotBefore.After(now) {
			requeue = append(requeue, item)
			continue
		}
		job = item.job
		break
	}
	for _, item := range requeue {
		heap.Push(&ls.pending, item)
	}
	if job != nil {
		ls.counters.Waiting--
		ls.counters.Active++
	}
	ls.mu.Unlock()

	if job == nil {
		return
	}

	select {
	case q.sem <- struct{}{}:
	default:
		q.requeueAfterFailure(lane, job, "worker pool saturated", false)
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()
		q.execute(ctx, lane, job)
	}()
}

func (q *Queue) allowRate() bool {
	q.rateMu.Lock()
	defer q.rateMu.Unlock()
	now := time.Now()
	if now.Sub(q.rateWindow) > q.cfg.GlobalRateWindow {
		q.rateWindow = now
		q.rateCount = 0
	}
	if q.rateCount >= q.cfg.GlobalRateLimit {
		return false
	}
	q.rateCount++
	return true
}

func (q *Queue) execute(ctx context.Context, lane Lane, job *models.JobRecord) {
	q.handlersMu.RLock()
	h, ok := q.handlers[job.Type]
	q.handlersMu.RUnlock()
	if !ok {
		log.Printf("[Queue] no handler registered for job type %q, lane %s", job.Type, lane)
		q.terminalFail(ctx, lane, job, "no handler registered")
		return
	}

	job.Attempts++
	started := time.Now()
	job.StartedAt = &started

	err := h(ctx, job)

	ls := q.lanes[lane]
	ls.mu.Lock()
	ls.counters.Active--
	ls.mu.Unlock()

	if err == nil {
		completed := time.Now()
		job.CompletedAt = &completed
		if serr := q.store.MarkCompleted(ctx, job.ID); serr != nil {
			log.Printf("[Queue] failed to persist completion for job %s: %v", job.ID, serr)
		}
		ls.mu.Lock()
		ls.counters.Completed++
		ls.mu.Unlock()
		q.emit("jobCompleted", job)
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		q.terminalFail(ctx, lane, job, err.Error())
		return
	}
	q.requeueAfterFailure(lane, job, err.Error(), true)
}

func (q *Queue) terminalFail(ctx context.Context, lane Lane, job *models.JobRecord, reason string) {
	if err := q.store.MarkTerminalFailed(ctx, job.ID, reason); err != nil {
		log.Printf("[Queue] job %s terminal-failed (%s) but could not persist: %v", job.ID, reason, err)
	}
	ls := q.lanes[lane]
	ls.mu.Lock()
	ls.counters.Failed++
	ls.mu.Unlock()
	q.emit("jobFailed", job)
}

// requeueAfterFailure applies the exponential backoff + jitter schedule
// of spec §4.3: base * 2^attempt, capped, plus 250-1250ms jitter.
func (q *Queue) requeueAfterFailure(lane Lane, job *models.JobRecord, reason string, countsAsAttempt bool) {
	delay := backoffDelay(q.cfg, job.Attempts)
	job.NotBefore = time.Now().Add(delay)

	if countsAsAttempt {
		if err := q.store.MarkFailed(context.Background(), job.ID, reason, job.NotBefore); err != nil {
			log.Printf("[Queue] failed to persist retry state for job %s: %v", job.ID, err)
		}
	}

	ls := q.lanes[lane]
	ls.mu.Lock()
	heap.Push(&ls.pending, &pendingItem{job: job})
	ls.counters.Waiting++
	ls.mu.Unlock()
}

// backoffDelay drives cenkalti/backoff's ExponentialBackOff through
// `attempt` steps to get base*2^attempt capped at BackoffCapMs, then
// adds the spec's flat jitter window on top —
// library randomization is left at zero since the jitter here is an
// explicit [min,max] range, not a proportional fudge factor.
func backoffDelay(cfg *config.Config, attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	policy.Multiplier = 2
	policy.MaxInterval = time.Duration(cfg.BackoffCapMs) * time.Millisecond
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var capped time.Duration
	for i := 0; i <= attempt; i++ {
		capped = policy.NextBackOff()
	}

	jitterRange := cfg.BackoffJitterMaxMs - cfg.BackoffJitterMinMs
	jitter := cfg.BackoffJitterMinMs
	if jitterRange > 0 {
		jitter += rand.Int63n(jitterRange)
	}
	return capped + time.Duration(jitter)*time.Millisecond
}

func (q *Queue) emit(event string, job *models.JobRecord) {
	if q.onEvent != nil {
		q.onEvent(event, job)
	}
}

// EvaluateBackpressure applies the auto-pause/resume hysteresis of spec
// §4.3 to the capture lane: paused at AutoPauseDepth, resumed only once
// depth has fallen to AutoResumeDepth, so the lane never flaps.
func (q *Queue) EvaluateBackpressure() {
	ls := q.lanes[LaneCapture]
	ls.mu.Lock()
	defer ls.mu.Unlock()

	depth := len(ls.pending)
	switch {
	case !ls.paused && depth >= q.cfg.AutoPauseDepth:
		ls.paused = true
		log.Printf("[Queue] capture lane auto-paused at depth %d (>= %d)", depth, q.cfg.AutoPauseDepth)
	case ls.paused && depth <= q.cfg.AutoResumeDepth:
		ls.paused = false
		log.Printf("[Queue] capture lane auto-resumed at depth %d (<= %d)", depth, q.cfg.AutoResumeDepth)
	}
	if depth >= q.cfg.WarnDepth {
		log.Printf("[Queue] capture lane depth %d at or above warn threshold %d", depth, q.cfg.WarnDepth)
	}
}

// Pause stops new dispatch from both lanes; in-flight work continues.
func (q *Queue) Pause() {
	for _, ls := range q.lanes {
		ls.mu.Lock()
		ls.paused = true
		ls.mu.Unlock()
	}
}

// Resume clears the paused flag on both lanes. Auto-pause sets the same
// flag, so Resume lifts an auto-pause too; a later EvaluateBackpressure
// call pauses the capture lane again if its depth is still at or above
// AutoPauseDepth.
func (q *Queue) Resume() {
	for _, ls := range q.lanes {
		ls.mu.Lock()
		ls.paused = false
		ls.mu.Unlock()
	}
}

// Drain waits for in-flight work to complete, bounded by
// cfg.GracefulShutdown. Returns false if the timeout elapsed first.
func (q *Queue) Drain() bool {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(q.cfg.GracefulShutdown):
		log.Printf("[Queue] drain timed out after %s, work may still be in flight", q.cfg.GracefulShutdown)
		return false
	}
}

// Shutdown pauses both lanes, drains in-flight work, then stops workers.
func (q *Queue) Shutdown() bool {
	q.Pause()
	ok := q.Drain()
	q.stopOnce.Do(func() { close(q.stopCh) })
	return ok
}

// RecoverStaleLeases redelivers jobs whose in-flight lease predates
// cutoff, per spec §4.3's crash-recovery requirement. Call once at
// startup before Run.
func (q *Queue) RecoverStaleLeases(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := q.store.RecoverStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, job := range stale {
		lane := Lane(job.Lane)
		if _, ok := q.lanes[lane]; !ok {
			continue
		}
		job.StartedAt = nil
		q.admit(lane, job)
	}
	if len(stale) > 0 {
		log.Printf("[Queue] recovered %d stale in-flight job(s) for redelivery", len(stale))
	}
	return len(stale), nil
}
