package resolver

import (
	"sort"

	"github.com/cardmint/scan-core/internal/catalog"
	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

// Result is the resolver's full verdict for one extraction.
type Result struct {
	Candidates []models.Candidate
	Decision   models.Decision
	PathC      models.PathCTelemetry
}

// Resolve runs the full matching pipeline of spec §4.5 against fields,
// using idx for catalog lookups and ref for reference-price enrichment.
// It is pure and deterministic for a fixed (fields, idx, ref) triple.
func Resolve(cfg *config.Config, idx *catalog.Index, ref *catalog.ReferenceLookup, fields models.ExtractedFields) Result {
	// Step 1: exact match short-circuit.
	if fields.Name != "" && fields.SetNumber != "" {
		if card, ok := idx.ExactMatch(fields.SetName, fields.SetNumber, fields.Name); ok {
			confidence := clamp01(exactMatchBaseConfidence + exactMatchHistoricalBonus)
			cand := candidateFromCard(card, confidence, []string{"exact_canonical_match"})
			return finalizeSingle(cfg, idx, fields, cand, card)
		}
	}

	// Steps 2-3: gather a candidate pool via fuzzy name match, then score
	// every pool member structurally.
	pool := idx.AllCandidatesForName(fields.Name)
	if len(pool) == 0 {
		return Result{Decision: models.DecisionNoReasonableMatch, PathC: models.PathCTelemetry{Action: "skipped"}}
	}

	type scored struct {
		card       models.CatalogCard
		confidence float64
		signals    []string
	}
	var candidates []scored
	for _, card := range pool {
		conf, signals := structuralScore(fields, card)

		// Step 4: National Dex false-match suppression — re-score without
		// the set-number mismatch penalty when the title exception applies.
		if fields.SetName != "" && catalog.NormalizeSet(fields.SetName) != catalog.NormalizeSet(card.SetID) {
			if suppressNationalDexMismatch(idx, fields.SetName, card) {
				conf, signals = structuralScoreIgnoringSet(fields, card)
				signals = append(signals, "national_dex_exception")
			}
		}

		candidates = append(candidates, scored{card: card, confidence: conf, signals: signals})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].confidence > candidates[j].confidence
	})

	out := make([]models.Candidate, 0, len(candidates))
	cardsByCandidate := make(map[string]models.CatalogCard, len(candidates))
	for _, c := range candidates {
		cand := candidateFromCard(c.card, c.confidence, c.signals)
		out = append(out, cand)
		cardsByCandidate[cand.CatalogID] = c.card
	}

	// Path C: set triangulation among top candidates sharing (name, number).
	pcResult := runPathC(cfg, fields, out, cardsByCandidate)
	out = pcResult.Survivors

	decision := decide(cfg, out)
	if decision == models.DecisionAutoAccept {
		out[0].AutoConfirm = true
	}

	return Result{Candidates: out, Decision: decision, PathC: pcResult.Telemetry}
}

// structuralScoreIgnoringSet re-runs structural scoring with the set
// term left out (its weight drops out of the active weight, so a set
// mismatch no longer lowers the score),
// used only when suppressNationalDexMismatch applies.
func structuralScoreIgnoringSet(fields models.ExtractedFields, card models.CatalogCard) (float64, []string) {
	neutralFields := fields
	neutralFields.SetName = ""
	return structuralScore(neutralFields, card)
}

func candidateFromCard(card models.CatalogCard, confidence float64, signals []string) models.Candidate {
	return models.Candidate{
		CatalogID:         card.ID,
		DisplayTitle:      card.Name + " · " + card.SetName + " #" + card.CollectorNumber,
		Confidence:        clamp01(confidence),
		SourceTag:         "catalog",
		EnrichmentSignals: signals,
	}
}

func finalizeSingle(cfg *config.Config, idx *catalog.Index, fields models.ExtractedFields, cand models.Candidate, card models.CatalogCard) Result {
	out := []models.Candidate{cand}
	decision := decide(cfg, out)
	if decision == models.DecisionAutoAccept {
		out[0].AutoConfirm = true
	}
	return Result{Candidates: out, Decision: decision, PathC: models.PathCTelemetry{Action: "skipped"}}
}

// decide applies spec §4.5's decision thresholds.
func decide(cfg *config.Config, candidates []models.Candidate) models.Decision {
	if len(candidates) == 0 {
		return models.DecisionNoReasonableMatch
	}
	top := candidates[0].Confidence
	if top < cfg.ReasonableThreshold {
		return models.DecisionNoReasonableMatch
	}
	if top >= cfg.AutoAcceptThreshold {
		if len(candidates) == 1 || top-candidates[1].Confidence >= cfg.AutoAcceptMargin {
			return models.DecisionAutoAccept
		}
	}
	return models.DecisionNeedsOperator
}

func resort(candidates []models.Candidate) []models.Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates
}
