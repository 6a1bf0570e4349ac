package inference

import (
	"context"

	"github.com/cardmint/scan-core/pkg/models"
)

// FallbackClient is the local, cheaper extractor used on unrecoverable
// primary failure (spec §4.4). Unlike the primary path it has no size
// guardrail or upload step — it runs in-process against already-decoded
// image bytes.
type FallbackClient interface {
	Extract(ctx context.Context, imageBytes []byte) (models.ExtractedFields, error)
}

// LocalFallbackClient is a reference FallbackClient wired to a pluggable
// local extraction function (e.g. a bundled on-device model). It exists
// so the orchestrator has a concrete fallback to depend on even before a
// specific local model is wired in; callers supply Extractor.
type LocalFallbackClient struct {
	Extractor func(ctx context.Context, imageBytes []byte) (models.ExtractedFields, error)
}

func (c *LocalFallbackClient) Extract(ctx context.Context, imageBytes []byte) (models.ExtractedFields, error) {
	if c.Extractor == nil {
		return models.ExtractedFields{}, errNoFallbackConfigured
	}
	return c.Extractor(ctx, imageBytes)
}

var errNoFallbackConfigured = fallbackNotConfiguredError{}

type fallbackNotConfiguredError struct{}

func (fallbackNotConfiguredError) Error() string {
	return "inference: no fallback extractor configured"
}
