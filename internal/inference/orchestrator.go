package inference

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

// ImageSource supplies the bytes for a processed-image reference. In
// production this resolves to object storage; tests supply a fake.
type ImageSource interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Orchestrator dispatches extraction across the primary and fallback
// paths per spec §4.4.
type Orchestrator struct {
	cfg      *config.Config
	images   ImageSource
	primary  PrimaryClient
	fallback FallbackClient

	dailyRemaining int64
}

func NewOrchestrator(cfg *config.Config, images ImageSource, primary PrimaryClient, fallback FallbackClient) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		images:         images,
		primary:        primary,
		fallback:       fallback,
		dailyRemaining: cfg.DailyQuota,
	}
}

// Run executes the full orchestration for one processed-image reference
// and returns the extracted fields, the path used, and call
// observability. Outcome.Code and Outcome.Err are set on any Outcome
// other than OK.
func (o *Orchestrator) Run(ctx context.Context, imageRef string) (models.ExtractedFields, models.InferencePath, CallObservability, Outcome) {
	imageBytes, err := o.images.Load(ctx, imageRef)
	if err != nil {
		return models.ExtractedFields{}, "", CallObservability{}, PermanentFail(ErrInfer4xx, fmt.Errorf("inference: failed to load image: %w", err))
	}

	// Pre-call guardrail: strict, non-retriable 400 KiB cap (spec §4.4/§6).
	if int64(len(imageBytes)) > o.cfg.ImageSizeGuardBytes {
		return models.ExtractedFields{}, "", CallObservability{}, PermanentFail(
			ErrInferOversize,
			fmt.Errorf("inference: image is %d bytes, exceeds %d byte guardrail", len(imageBytes), o.cfg.ImageSizeGuardBytes),
		)
	}

	if o.dailyRemaining > 0 && o.dailyRemaining < o.cfg.QuotaWarningThreshold {
		log.Printf("[Orchestrator] daily quota low (%d remaining) — preferring fallback path", o.dailyRemaining)
		fields, obs, outcome := o.runFallback(ctx, imageBytes)
		return fields, models.InferencePathFallback, obs, outcome
	}

	fields, obs, outcome := o.runPrimaryWithRetry(ctx, imageBytes)
	if outcome.Kind == OutcomeOK {
		o.dailyRemaining--
		return fields, models.InferencePathPrimary, obs, outcome
	}

	// Primary path exhausted (non-retriable or retried-once-and-still-failed):
	// defer to fallback, except for a parse error, which is a contract
	// violation surfaced directly to the state machine as FAILED.
	if outcome.Code == ErrInferParse || outcome.Code == ErrInferOversize {
		return models.ExtractedFields{}, "", obs, outcome
	}

	log.Printf("[Orchestrator] primary path exhausted (%s) — falling back", outcome.Code)
	fbFields, fbObs, fbOutcome := o.runFallback(ctx, imageBytes)
	if fbOutcome.Kind != OutcomeOK {
		return models.ExtractedFields{}, "", fbObs, PermanentFail(ErrFallbackFailed, fmt.Errorf("inference: both paths exhausted: primary=%v fallback=%v", outcome.Err, fbOutcome.Err))
	}
	return fbFields, models.InferencePathFallback, fbObs, fbOutcome
}

// runPrimaryWithRetry implements spec §4.4's retry policy: exactly one
// retry with 250-500ms jitter, only for transient (5xx/timeout) errors;
// 4xx and parse failures surface immediately without retry.
func (o *Orchestrator) runPrimaryWithRetry(ctx context.Context, imageBytes []byte) (models.ExtractedFields, CallObservability, Outcome) {
	var (
		fields     models.ExtractedFields
		obs        CallObservability
		lastOutcome Outcome
		attempt    int
	)

	// Centre the interval in [min, max] and spread it by half the window's
	// width, so the single retry waits a delay drawn from [min, max].
	minDelay := time.Duration(o.cfg.RetryJitterMinMs) * time.Millisecond
	maxDelay := time.Duration(o.cfg.RetryJitterMaxMs) * time.Millisecond
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = (minDelay + maxDelay) / 2
	policy.MaxInterval = maxDelay
	policy.RandomizationFactor = 0
	if minDelay+maxDelay > 0 {
		policy.RandomizationFactor = float64(maxDelay-minDelay) / float64(maxDelay+minDelay)
	}
	policy.Multiplier = 1.0
	bo := backoff.WithMaxRetries(policy, 1)
	bo = backoff.WithContext(bo, ctx)

	op := func() error {
		attempt++
		f, ob, outcome := o.callPrimaryOnce(ctx, imageBytes)
		fields, obs, lastOutcome = f, ob, outcome

		switch outcome.Kind {
		case OutcomeOK:
			return nil
		case OutcomeTransientFail:
			if attempt > 1 {
				obs.RetryTaken = true
			}
			return outcome.Err
		default:
			return backoff.Permanent(outcome.Err)
		}
	}

	_ = backoff.Retry(op, bo)
	if attempt > 1 {
		obs.RetryTaken = true
	}
	return fields, obs, lastOutcome
}

// callPrimaryOnce performs a single primary-path attempt: upload,
// extract, parse, with a mandatory per-call timeout.
func (o *Orchestrator) callPrimaryOnce(ctx context.Context, imageBytes []byte) (models.ExtractedFields, CallObservability, Outcome) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.InferenceTimeout)
	defer cancel()

	obs := CallObservability{Path: models.InferencePathPrimary, Model: "cardmint-vision-primary", UploadBytes: int64(len(imageBytes))}

	uploadStart := time.Now()
	artifactID, err := o.primary.Upload(callCtx, imageBytes)
	obs.UploadMs = time.Since(uploadStart).Milliseconds()
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return models.ExtractedFields{}, obs, TransientFail(ErrInferTimeout, err)
		}
		return models.ExtractedFields{}, obs, TransientFail(ErrInfer5xx, err)
	}

	// Cleanup is fire-and-forget: the spec requires non-blocking deletion
	// regardless of the extract outcome.
	defer func() {
		go func() {
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cleanupCancel()
			if err := o.primary.Delete(cleanupCtx, artifactID); err != nil {
				log.Printf("[Orchestrator] failed to delete uploaded artifact %s: %v", artifactID, err)
			}
		}()
	}()

	inferStart := time.Now()
	body, status, err := o.primary.Extract(callCtx, artifactID)
	obs.InferenceMs = time.Since(inferStart).Milliseconds()

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return models.ExtractedFields{}, obs, TransientFail(ErrInferTimeout, err)
		}
		return models.ExtractedFields{}, obs, TransientFail(ErrInfer5xx, err)
	}

	switch {
	case status >= 500:
		return models.ExtractedFields{}, obs, TransientFail(ErrInfer5xx, fmt.Errorf("inference: primary returned %d", status))
	case status >= 400:
		return models.ExtractedFields{}, obs, PermanentFail(ErrInfer4xx, fmt.Errorf("inference: primary returned %d", status))
	}

	fields, err := parseExtractionResponse(body)
	if err != nil {
		return models.ExtractedFields{}, obs, PermanentFail(ErrInferParse, err)
	}
	return fields, obs, Ok(fields)
}

func (o *Orchestrator) runFallback(ctx context.Context, imageBytes []byte) (models.ExtractedFields, CallObservability, Outcome) {
	obs := CallObservability{Path: models.InferencePathFallback, Model: "cardmint-vision-local"}
	start := time.Now()
	fields, err := o.fallback.Extract(ctx, imageBytes)
	obs.InferenceMs = time.Since(start).Milliseconds()
	if err != nil {
		return models.ExtractedFields{}, obs, PermanentFail(ErrFallbackFailed, err)
	}
	return fields, obs, Ok(fields)
}
