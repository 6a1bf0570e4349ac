// Package pipeline wires the Capture Ingestion Watcher's detections
// through the Job Queue into the Inference Orchestrator and Resolver,
// advancing each Scan Job's state machine as every stage completes.
// It is the glue layer cmd/cardmint assembles at startup; none of the
// packages it wires depend on it.
package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/cardmint/scan-core/internal/api"
	"github.com/cardmint/scan-core/internal/catalog"
	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/internal/inference"
	"github.com/cardmint/scan-core/internal/queue"
	"github.com/cardmint/scan-core/internal/resolver"
	"github.com/cardmint/scan-core/internal/statemachine"
	"github.com/cardmint/scan-core/internal/store"
	"github.com/cardmint/scan-core/internal/watcher"
	"github.com/cardmint/scan-core/internal/webhook"
	"github.com/cardmint/scan-core/pkg/models"
)

const (
	jobTypeIngest = "ingest"
	jobTypeInfer  = "infer"
)

// Pipeline is the process-wide wiring between the watcher, the queue,
// the orchestrator/resolver, and the state machine.
type Pipeline struct {
	cfg          *config.Config
	store        *store.Store
	machine      *statemachine.Machine
	queue        *queue.Queue
	orchestrator *inference.Orchestrator
	catalogMgr   *catalog.Manager
	refLookup    *catalog.ReferenceLookup
	hub          *api.Hub
	webhookDisp  *webhook.Dispatcher
	shadowRunner *inference.ShadowRunner

	// ingestProcessorID/inferProcessorID are this process instance's
	// lease-owner ids. AcquireLease's CAS only distinguishes owners by
	// string identity, so a bare "pipeline-ingest" constant shared by
	// every horizontally-scaled worker process would let two processes
	// both believe they hold the same job's lease; suffixing a
	// per-instance uuid makes each process a distinct owner.
	ingestProcessorID string
	inferProcessorID  string
}

func New(
	cfg *config.Config,
	st *store.Store,
	machine *statemachine.Machine,
	q *queue.Queue,
	orchestrator *inference.Orchestrator,
	catalogMgr *catalog.Manager,
	refLookup *catalog.ReferenceLookup,
	hub *api.Hub,
	webhookDisp *webhook.Dispatcher,
	shadowRunner *inference.ShadowRunner,
) *Pipeline {
	instanceID := uuid.NewString()
	p := &Pipeline{
		cfg: cfg, store: st, machine: machine, queue: q,
		orchestrator: orchestrator, catalogMgr: catalogMgr, refLookup: refLookup,
		hub: hub, webhookDisp: webhookDisp, shadowRunner: shadowRunner,
		ingestProcessorID: "pipeline-ingest-" + instanceID,
		inferProcessorID:  "pipeline-infer-" + instanceID,
	}
	q.RegisterHandler(jobTypeIngest, p.handleIngest)
	q.RegisterHandler(jobTypeInfer, p.handleInfer)
	return p
}

// Enqueue implements watcher.Enqueuer: it creates the Scan Job's durable
// row and admits one ingest job to the capture lane. Called from a
// detection-path goroutine; must stay fast since it is the watcher's own
// non-blocking dispatch, not the request path itself.
func (p *Pipeline) Enqueue(ctx context.Context, capture watcher.Capture) error {
	now := capture.ArrivedAt
	job := &models.ScanJob{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      models.StatusQueued,
		RawImageRef: capture.Path,
	}
	if err := p.store.InsertScan(ctx, job); err != nil {
		return fmt.Errorf("pipeline: insert scan: %w", err)
	}
	if _, err := p.queue.Enqueue(ctx, queue.LaneCapture, jobTypeIngest, []byte(job.ID), 0); err != nil {
		return fmt.Errorf("pipeline: enqueue ingest: %w", err)
	}
	return nil
}

// Depth implements watcher.Enqueuer, reporting the capture lane's
// backlog for the watcher's backpressure check.
func (p *Pipeline) Depth() int { return p.queue.Depth(queue.LaneCapture) }

// handleIngest advances a freshly-detected capture from QUEUED through
// CAPTURED/PREPROCESSING and admits it to the processing lane.
func (p *Pipeline) handleIngest(ctx context.Context, rec *models.JobRecord) error {
	jobID := string(rec.Payload)
	job, err := p.machine.AcquireLease(ctx, jobID, p.ingestProcessorID)
	if err != nil {
		return fmt.Errorf("pipeline: acquire lease for ingest %s: %w", jobID, err)
	}

	if err := p.machine.Transition(ctx, job, models.StatusCapturing, nil); err != nil {
		return err
	}
	if err := p.machine.Transition(ctx, job, models.StatusCaptured, func(j *models.ScanJob) {
		j.ProcessedImageRef = j.RawImageRef
	}); err != nil {
		return err
	}
	if err := p.machine.Transition(ctx, job, models.StatusPreprocessing, nil); err != nil {
		return err
	}
	if err := p.machine.ReleaseLease(ctx, jobID); err != nil {
		log.Printf("[Pipeline] failed to release ingest lease for %s: %v", jobID, err)
	}

	if _, err := p.queue.Enqueue(ctx, queue.LaneProcessing, jobTypeInfer, []byte(jobID), 0); err != nil {
		return fmt.Errorf("pipeline: enqueue infer: %w", err)
	}
	return nil
}

// handleInfer runs extraction and resolution for one job and parks it at
// OPERATOR_PENDING (or a terminal state on unrecoverable failure).
func (p *Pipeline) handleInfer(ctx context.Context, rec *models.JobRecord) error {
	jobID := string(rec.Payload)
	job, err := p.machine.AcquireLease(ctx, jobID, p.inferProcessorID)
	if err != nil {
		return fmt.Errorf("pipeline: acquire lease for infer %s: %w", jobID, err)
	}

	if err := p.machine.Transition(ctx, job, models.StatusInferencing, nil); err != nil {
		return err
	}

	fields, path, obs, outcome := p.orchestrator.Run(ctx, job.ProcessedImageRef)
	if outcome.Kind != inference.OutcomeOK {
		if outcome.Kind == inference.OutcomeTransientFail {
			return fmt.Errorf("pipeline: transient inference failure for %s: %w", jobID, outcome.Err)
		}
		if ferr := p.machine.Fail(ctx, job, string(outcome.Code), outcome.Err.Error()); ferr != nil {
			return ferr
		}
		return nil
	}

	if path == models.InferencePathPrimary && p.shadowRunner != nil && p.shadowRunner.ShouldSample(jobID) {
		// Detached: shadow comparison is pure observability and must
		// never slow down or fail the job it is sampling.
		go p.shadowRunner.Compare(context.Background(), jobID, job.ProcessedImageRef, fields)
	}

	idx := p.catalogMgr.Current()
	result := resolver.Resolve(p.cfg, idx, p.refLookup, fields)

	readyStatus := models.StatusCandidatesReady
	if result.Decision == models.DecisionNoReasonableMatch {
		readyStatus = models.StatusUnmatchedNoReasonableCandidate
	}

	if err := p.machine.Transition(ctx, job, readyStatus, func(j *models.ScanJob) {
		j.Extracted = &fields
		j.InferencePath = path
		j.Candidates = result.Candidates
		j.Timings.InferMs = obs.InferenceMs
		j.Timings.PathC = nonZeroPathC(result.PathC)
	}); err != nil {
		return err
	}
	if err := p.machine.Transition(ctx, job, models.StatusOperatorPending, nil); err != nil {
		return err
	}
	if err := p.machine.ReleaseLease(ctx, jobID); err != nil {
		log.Printf("[Pipeline] failed to release infer lease for %s: %v", jobID, err)
	}

	if p.hub != nil {
		p.hub.BroadcastEvent("job.ready_for_review", job)
	}
	return nil
}

func nonZeroPathC(t models.PathCTelemetry) *models.PathCTelemetry {
	if t.Action == "" {
		return nil
	}
	return &t
}
