package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

type fakeImages struct{ data []byte }

func (f fakeImages) Load(ctx context.Context, ref string) ([]byte, error) { return f.data, nil }

type scriptedPrimary struct {
	uploadCalls int
	statuses    []int
	bodies      [][]byte
	call        int
}

func (s *scriptedPrimary) Upload(ctx context.Context, b []byte) (string, error) {
	s.uploadCalls++
	return "artifact-1", nil
}

func (s *scriptedPrimary) Extract(ctx context.Context, artifactID string) ([]byte, int, error) {
	i := s.call
	s.call++
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	return s.bodies[i], s.statuses[i], nil
}

func (s *scriptedPrimary) Delete(ctx context.Context, artifactID string) error { return nil }

func testCfg() *config.Config {
	return &config.Config{
		ImageSizeGuardBytes: 400 * 1024,
		InferenceTimeout:    2e9,
		RetryJitterMinMs:    1,
		RetryJitterMaxMs:    2,
		QuotaWarningThreshold: 0,
		DailyQuota:          1000,
	}
}

const validBody = `{"name":"Pikachu","hp":60,"set_number":"58/102","set_name":"Base Set","first_edition_stamp":false,"shadowless":false,"holo_type":"non_holo","rarity":"Common","artist":"Mitsuhiro Arita","card_type":"Lightning"}`

func TestOrchestrator_HappyPath(t *testing.T) {
	primary := &scriptedPrimary{statuses: []int{200}, bodies: [][]byte{[]byte(validBody)}}
	orch := NewOrchestrator(testCfg(), fakeImages{data: make([]byte, 10)}, primary, &LocalFallbackClient{})

	fields, path, _, outcome := orch.Run(context.Background(), "ref")
	if outcome.Kind != OutcomeOK {
		t.Fatalf("expected OK outcome, got %+v", outcome)
	}
	if path != models.InferencePathPrimary {
		t.Fatalf("expected primary path, got %s", path)
	}
	if fields.Name != "Pikachu" {
		t.Fatalf("expected parsed name Pikachu, got %q", fields.Name)
	}
}

func TestOrchestrator_RetryOn5xxThenSucceed(t *testing.T) {
	primary := &scriptedPrimary{statuses: []int{500, 200}, bodies: [][]byte{[]byte(`{}`), []byte(validBody)}}
	orch := NewOrchestrator(testCfg(), fakeImages{data: make([]byte, 10)}, primary, &LocalFallbackClient{})

	fields, path, obs, outcome := orch.Run(context.Background(), "ref")
	if outcome.Kind != OutcomeOK {
		t.Fatalf("expected eventual OK, got %+v", outcome)
	}
	if !obs.RetryTaken {
		t.Fatalf("expected RetryTaken to be recorded")
	}
	if path != models.InferencePathPrimary || fields.Name != "Pikachu" {
		t.Fatalf("unexpected result: %+v path=%s", fields, path)
	}
}

func TestOrchestrator_FallsBackAfterTwoFailures(t *testing.T) {
	primary := &scriptedPrimary{statuses: []int{500, 500}, bodies: [][]byte{[]byte(`{}`), []byte(`{}`)}}
	fallbackCalled := false
	fallback := &LocalFallbackClient{Extractor: func(ctx context.Context, b []byte) (models.ExtractedFields, error) {
		fallbackCalled = true
		return models.ExtractedFields{Name: "Bulbasaur"}, nil
	}}
	orch := NewOrchestrator(testCfg(), fakeImages{data: make([]byte, 10)}, primary, fallback)

	fields, path, _, outcome := orch.Run(context.Background(), "ref")
	if outcome.Kind != OutcomeOK {
		t.Fatalf("expected fallback OK, got %+v", outcome)
	}
	if !fallbackCalled {
		t.Fatalf("expected fallback to be invoked")
	}
	if path != models.InferencePathFallback || fields.Name != "Bulbasaur" {
		t.Fatalf("unexpected fallback result: %+v path=%s", fields, path)
	}
}

func TestOrchestrator_OversizeRejectedBeforeCall(t *testing.T) {
	primary := &scriptedPrimary{statuses: []int{200}, bodies: [][]byte{[]byte(validBody)}}
	orch := NewOrchestrator(testCfg(), fakeImages{data: make([]byte, 500*1024)}, primary, &LocalFallbackClient{})

	_, _, _, outcome := orch.Run(context.Background(), "ref")
	if outcome.Code != ErrInferOversize {
		t.Fatalf("expected INFER_OVERSIZE, got %+v", outcome)
	}
	if primary.uploadCalls != 0 {
		t.Fatalf("expected no upload call for oversize image, got %d calls", primary.uploadCalls)
	}
}

func TestOrchestrator_4xxDoesNotRetry(t *testing.T) {
	primary := &scriptedPrimary{statuses: []int{400}, bodies: [][]byte{[]byte(`{}`)}}
	fallback := &LocalFallbackClient{Extractor: func(ctx context.Context, b []byte) (models.ExtractedFields, error) {
		return models.ExtractedFields{Name: "Fallback"}, nil
	}}
	orch := NewOrchestrator(testCfg(), fakeImages{data: make([]byte, 10)}, primary, fallback)

	_, _, _, outcome := orch.Run(context.Background(), "ref")
	if outcome.Kind != OutcomeOK {
		t.Fatalf("expected fallback after 4xx, got %+v", outcome)
	}
	if primary.call != 1 {
		t.Fatalf("expected exactly one primary attempt for 4xx, got %d", primary.call)
	}
}

func TestOrchestrator_ParseErrorIsNonRetriable(t *testing.T) {
	primary := &scriptedPrimary{statuses: []int{200}, bodies: [][]byte{[]byte(`{"rarity":"Not A Real Rarity"}`)}}
	orch := NewOrchestrator(testCfg(), fakeImages{data: make([]byte, 10)}, primary, &LocalFallbackClient{})

	_, _, _, outcome := orch.Run(context.Background(), "ref")
	if outcome.Code != ErrInferParse {
		t.Fatalf("expected INFER_PARSE, got %+v", outcome)
	}
	if primary.call != 1 {
		t.Fatalf("expected no retry on parse error, got %d calls", primary.call)
	}
}

func TestLocalFallbackClient_NoExtractorConfigured(t *testing.T) {
	c := &LocalFallbackClient{}
	_, err := c.Extract(context.Background(), nil)
	if !errors.Is(err, errNoFallbackConfigured) {
		t.Fatalf("expected errNoFallbackConfigured, got %v", err)
	}
}
