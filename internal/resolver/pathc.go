package resolver

import (
	"regexp"
	"strconv"
	"time"

	"github.com/cardmint/scan-core/internal/catalog"
	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

// nationalDexTitlePattern matches product titles of the shape
// "Name #NNN [ ... ]" (spec §9 open question — titles outside this
// shape are left as mismatches rather than guessed at).
var nationalDexTitlePattern = regexp.MustCompile(`#(\d{1,4})\b`)

// suppressNationalDexMismatch implements spec §4.5 step 4: PriceCharting
// embeds National Dex numbers in product titles shaped like
// "Celebi #251 ...". If the candidate's collector number equals a
// National Dex number for a species named in its own title, the set-
// number mismatch penalty for that candidate is suppressed rather than
// counted against it.
func suppressNationalDexMismatch(idx nationalDexIndex, productTitle string, card models.CatalogCard) bool {
	m := nationalDexTitlePattern.FindStringSubmatch(productTitle)
	if m == nil {
		return false
	}
	dex, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	collector := 0
	if n, err := strconv.Atoi(cleanDigits(card.CollectorNumber)); err == nil {
		collector = n
	}
	if collector != dex {
		return false
	}
	for _, species := range idx.SpeciesForNationalDex(dex) {
		if containsFold(productTitle, species.Name) {
			return true
		}
	}
	return false
}

func cleanDigits(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		} else {
			break
		}
	}
	return string(out)
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(needle)).MatchString(haystack)
}

// nationalDexIndex is the subset of catalog.Index the Path C / National
// Dex filter needs; kept as an interface so resolver tests can supply a
// fake without building a full catalog.Index.
type nationalDexIndex interface {
	SpeciesForNationalDex(n int) []models.CatalogCard
}

// pathCSignalAgreement counts how many of {rarity, artist, card_type,
// release-year heuristic} agree with setA's candidate over setB's, for
// two candidates that otherwise tie on name and collector number.
func pathCSignalAgreement(fields models.ExtractedFields, a, b models.CatalogCard) (minSignals int, favorA bool) {
	signalsForA, signalsForB := 0, 0

	if fields.Rarity != "" {
		if normalizedRarityEqual(fields.Rarity, a.Rarity) {
			signalsForA++
		}
		if normalizedRarityEqual(fields.Rarity, b.Rarity) {
			signalsForB++
		}
	}
	if fields.Artist != "" {
		if nameSimilarity(fields.Artist, a.Artist) >= fuzzyStrongThreshold {
			signalsForA++
		}
		if nameSimilarity(fields.Artist, b.Artist) >= fuzzyStrongThreshold {
			signalsForB++
		}
	}
	if fields.CardType != "" {
		if catalogEqualFold(fields.CardType, a.CardType) {
			signalsForA++
		}
		if catalogEqualFold(fields.CardType, b.CardType) {
			signalsForB++
		}
	}
	// Release-year heuristic: prefer the set whose release date is closer
	// to "now" when every other signal ties — a weak tiebreaker only.
	if !a.SetReleaseDate.IsZero() && !b.SetReleaseDate.IsZero() {
		if recencyScore(a.SetReleaseDate) > recencyScore(b.SetReleaseDate) {
			signalsForA++
		} else if recencyScore(b.SetReleaseDate) > recencyScore(a.SetReleaseDate) {
			signalsForB++
		}
	}

	if signalsForA >= signalsForB {
		return signalsForA, true
	}
	return signalsForB, false
}

func recencyScore(t time.Time) float64 {
	return -float64(time.Since(t))
}

func catalogEqualFold(a, b string) bool {
	return NormalizeLoose(a) == NormalizeLoose(b)
}

// NormalizeLoose lowercases for simple closed-list comparisons (card
// type, artist) that don't need the full catalog normalization pipeline.
func NormalizeLoose(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// PathCResult is the outcome of the set-triangulation step.
type PathCResult struct {
	Telemetry models.PathCTelemetry
	Survivors []models.Candidate
}

// runPathC implements spec §4.5 step 5. candidates must already share
// (name, collector number) and differ only by set; cardsByCandidate maps
// each candidate's CatalogID back to its source card so signal agreement
// can be computed.
func runPathC(cfg *config.Config, fields models.ExtractedFields, candidates []models.Candidate, cardsByCandidate map[string]models.CatalogCard) PathCResult {
	start := time.Now()
	result := PathCResult{Survivors: candidates}

	if !cfg.PathCEnabled || len(candidates) < 2 {
		result.Telemetry = models.PathCTelemetry{Action: "skipped", LatencyMs: elapsedMs(start)}
		return result
	}

	top, second := candidates[0], candidates[1]
	cardTop, okTop := cardsByCandidate[top.CatalogID]
	cardSecond, okSecond := cardsByCandidate[second.CatalogID]
	if !okTop || !okSecond || cardTop.SetID == cardSecond.SetID ||
		catalog.NormalizeName(cardTop.Name) != catalog.NormalizeName(cardSecond.Name) ||
		catalog.NormalizeCollectorNumber(cardTop.CollectorNumber) != catalog.NormalizeCollectorNumber(cardSecond.CollectorNumber) {
		result.Telemetry = models.PathCTelemetry{Action: "skipped", LatencyMs: elapsedMs(start)}
		return result
	}

	signals, favorTop := pathCSignalAgreement(fields, cardTop, cardSecond)
	if signals < cfg.PathCMinSignals {
		result.Telemetry = models.PathCTelemetry{Action: "skipped", LatencyMs: elapsedMs(start)}
		return result
	}

	agreement := float64(signals) / 4.0
	winner := cardTop
	if !favorTop {
		winner = cardSecond
	}

	switch {
	case agreement >= cfg.PathCHardFilter:
		survivors := make([]models.Candidate, 0, len(candidates))
		for _, c := range candidates {
			if card, ok := cardsByCandidate[c.CatalogID]; ok && card.SetID == winner.SetID {
				survivors = append(survivors, c)
			}
		}
		result.Survivors = survivors
		result.Telemetry = models.PathCTelemetry{
			Action: "hard_filter", Confidence: agreement, ChosenSetHint: winner.SetID,
			MatchingSignals: signalNames(signals), LatencyMs: elapsedMs(start),
		}
	case agreement >= cfg.PathCSoftRerank:
		boosted := make([]models.Candidate, len(candidates))
		copy(boosted, candidates)
		for i, c := range boosted {
			if card, ok := cardsByCandidate[c.CatalogID]; ok && card.SetID == winner.SetID {
				boosted[i].Confidence = clamp01(c.Confidence + (1 - c.Confidence) * 0.3)
			}
		}
		result.Survivors = resort(boosted)
		result.Telemetry = models.PathCTelemetry{
			Action: "soft_rerank", Confidence: agreement, ChosenSetHint: winner.SetID,
			MatchingSignals: signalNames(signals), LatencyMs: elapsedMs(start),
		}
	default:
		result.Telemetry = models.PathCTelemetry{Action: "discard", Confidence: agreement, LatencyMs: elapsedMs(start)}
	}

	return result
}

func signalNames(n int) []string {
	all := []string{"rarity", "artist", "card_type", "release_year"}
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
