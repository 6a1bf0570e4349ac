package inference

import (
	"context"
	"testing"

	"github.com/cardmint/scan-core/pkg/models"
)

type fakeShadowStore struct {
	saved []ShadowResult
}

func (f *fakeShadowStore) SaveShadowResult(ctx context.Context, r ShadowResult) error {
	f.saved = append(f.saved, r)
	return nil
}

func (f *fakeShadowStore) ShadowDriftReport(ctx context.Context) (int, int, error) {
	total, diverged := 0, 0
	for _, r := range f.saved {
		total++
		if r.Diverged() {
			diverged++
		}
	}
	return total, diverged, nil
}

func TestShadowRunner_ShouldSample_Deterministic(t *testing.T) {
	sr := NewShadowRunner(nil, nil, nil, nil, 0.5)
	first := sr.ShouldSample("job-123")
	for i := 0; i < 10; i++ {
		if sr.ShouldSample("job-123") != first {
			t.Fatalf("ShouldSample must be stable for the same job id across calls")
		}
	}
}

func TestShadowRunner_ShouldSample_Bounds(t *testing.T) {
	sr0 := NewShadowRunner(nil, nil, nil, nil, 0)
	if sr0.ShouldSample("anything") {
		t.Fatalf("a zero sample rate must never sample")
	}
	sr1 := NewShadowRunner(nil, nil, nil, nil, 1)
	if !sr1.ShouldSample("anything") {
		t.Fatalf("a sample rate of 1 must always sample")
	}
}

func TestShadowRunner_Compare_RecordsDivergence(t *testing.T) {
	store := &fakeShadowStore{}
	fallback := &LocalFallbackClient{
		Extractor: func(ctx context.Context, b []byte) (models.ExtractedFields, error) {
			return models.ExtractedFields{Name: "Charizard", Rarity: models.RarityRareHolo}, nil
		},
	}
	sr := NewShadowRunner(fakeImages{data: []byte("img")}, nil, fallback, store, 1)

	primary := models.ExtractedFields{Name: "Charizard", Rarity: models.RarityRare}
	sr.Compare(context.Background(), "job-1", "ref", primary)

	if len(store.saved) != 1 {
		t.Fatalf("expected one persisted comparison, got %d", len(store.saved))
	}
	got := store.saved[0]
	if !got.Diverged() {
		t.Fatalf("expected a divergence on rarity")
	}
	if len(got.FieldsDiverged) != 1 || got.FieldsDiverged[0] != "rarity" {
		t.Fatalf("expected only rarity to diverge, got %v", got.FieldsDiverged)
	}
}

func TestShadowRunner_Compare_NoDivergence(t *testing.T) {
	store := &fakeShadowStore{}
	fields := models.ExtractedFields{Name: "Pikachu", Rarity: models.RarityCommon}
	fallback := &LocalFallbackClient{
		Extractor: func(ctx context.Context, b []byte) (models.ExtractedFields, error) {
			return fields, nil
		},
	}
	sr := NewShadowRunner(fakeImages{data: []byte("img")}, nil, fallback, store, 1)

	sr.Compare(context.Background(), "job-2", "ref", fields)

	if len(store.saved) != 1 {
		t.Fatalf("expected one persisted comparison, got %d", len(store.saved))
	}
	if store.saved[0].Diverged() {
		t.Fatalf("expected no divergence, got %v", store.saved[0].FieldsDiverged)
	}

	report, err := GenerateDriftReport(context.Background(), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.TotalRuns != 1 || report.Divergences != 0 {
		t.Fatalf("expected 1 run with 0 divergences, got %+v", report)
	}
}
