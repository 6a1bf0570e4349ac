package inference

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cardmint/scan-core/pkg/models"
)

// ShadowResult is one sampled comparison between the primary and
// fallback extraction paths on the same image, recorded purely for
// drift observability — it never feeds back onto the scan job itself.
type ShadowResult struct {
	JobID          string
	PrimaryFields  models.ExtractedFields
	FallbackFields models.ExtractedFields
	FieldsDiverged []string
	RanAt          time.Time
}

// Diverged reports whether any compared field disagreed.
func (r ShadowResult) Diverged() bool { return len(r.FieldsDiverged) > 0 }

// ShadowStore persists ShadowResult rows and reports the aggregate
// divergence rate between the two paths.
type ShadowStore interface {
	SaveShadowResult(ctx context.Context, r ShadowResult) error
	ShadowDriftReport(ctx context.Context) (totalRuns int, divergences int, err error)
}

// ShadowRunner runs the primary and fallback extraction paths side by
// side against a sampled subset of jobs whose primary extraction has
// already succeeded, so a future promotion of the fallback model to
// primary can be judged against real traffic before it happens.
type ShadowRunner struct {
	images   ImageSource
	primary  PrimaryClient
	fallback FallbackClient
	store    ShadowStore

	// sampleRate is the fraction of jobs, in [0,1], to shadow-compare.
	sampleRate float64
}

func NewShadowRunner(images ImageSource, primary PrimaryClient, fallback FallbackClient, store ShadowStore, sampleRate float64) *ShadowRunner {
	return &ShadowRunner{images: images, primary: primary, fallback: fallback, store: store, sampleRate: sampleRate}
}

// ShouldSample decides, deterministically by jobID, whether a job is
// shadow-compared. Hashing the id rather than rolling dice keeps a given
// job's sampling decision stable across queue retries instead of
// flapping attempt to attempt.
func (sr *ShadowRunner) ShouldSample(jobID string) bool {
	if sr.sampleRate <= 0 {
		return false
	}
	if sr.sampleRate >= 1 {
		return true
	}
	bucket := xxhash.Sum64String(jobID) % 1_000_000
	return float64(bucket)/1_000_000 < sr.sampleRate
}

// Compare runs the fallback path against the same image the primary
// path already extracted and persists the divergence. It is meant to be
// invoked from a detached goroutine: any failure here is logged and
// swallowed, never returned to the caller, since shadow comparison must
// never slow down or fail a production job.
func (sr *ShadowRunner) Compare(ctx context.Context, jobID, imageRef string, primaryFields models.ExtractedFields) {
	imageBytes, err := sr.images.Load(ctx, imageRef)
	if err != nil {
		log.Printf("[Shadow] failed to load image for job %s: %v", jobID, err)
		return
	}

	fallbackFields, err := sr.fallback.Extract(ctx, imageBytes)
	if err != nil {
		log.Printf("[Shadow] fallback path failed for job %s: %v", jobID, err)
		return
	}

	result := ShadowResult{
		JobID:          jobID,
		PrimaryFields:  primaryFields,
		FallbackFields: fallbackFields,
		FieldsDiverged: diffExtractedFields(primaryFields, fallbackFields),
		RanAt:          time.Now(),
	}
	if result.Diverged() {
		log.Printf("[Shadow] DIVERGENCE on job %s: fields=%v", jobID, result.FieldsDiverged)
	}
	if sr.store == nil {
		return
	}
	if err := sr.store.SaveShadowResult(ctx, result); err != nil {
		log.Printf("[Shadow] failed to persist result for job %s: %v", jobID, err)
	}
}

// diffExtractedFields reports which fields of two ExtractedFields values
// disagree, by name, so a divergence can be read at a glance instead of
// diffed by hand.
func diffExtractedFields(a, b models.ExtractedFields) []string {
	var diverged []string
	if a.Name != b.Name {
		diverged = append(diverged, "name")
	}
	if !equalIntPtr(a.HP, b.HP) {
		diverged = append(diverged, "hp")
	}
	if a.SetNumber != b.SetNumber {
		diverged = append(diverged, "setNumber")
	}
	if a.SetName != b.SetName {
		diverged = append(diverged, "setName")
	}
	if a.Rarity != b.Rarity {
		diverged = append(diverged, "rarity")
	}
	if a.HoloType != b.HoloType {
		diverged = append(diverged, "holoType")
	}
	if a.FirstEditionStamp != b.FirstEditionStamp {
		diverged = append(diverged, "firstEditionStamp")
	}
	if a.Shadowless != b.Shadowless {
		diverged = append(diverged, "shadowless")
	}
	return diverged
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// DriftReport is a point-in-time summary of how often the fallback path
// would have disagreed with the primary path, for the operator's model
// promotion decision.
type DriftReport struct {
	TotalRuns      int
	Divergences    int
	DivergenceRate float64
}

// GenerateDriftReport queries the aggregate shadow comparison history.
func GenerateDriftReport(ctx context.Context, store ShadowStore) (DriftReport, error) {
	total, divergences, err := store.ShadowDriftReport(ctx)
	if err != nil {
		return DriftReport{}, fmt.Errorf("inference: shadow drift report: %w", err)
	}
	rep := DriftReport{TotalRuns: total, Divergences: divergences}
	if total > 0 {
		rep.DivergenceRate = float64(divergences) / float64(total)
	}
	return rep, nil
}
