// Package resolver fuses extracted fields with the catalog index and
// reference lookup to produce a ranked, scored candidate list (spec
// §4.5), including the Path C set-disambiguation step. Resolve is a
// pure function: given identical inputs and an unchanged catalog, it
// always returns byte-identical candidate lists.
package resolver

import (
	"strings"

	"github.com/cardmint/scan-core/internal/catalog"
	"github.com/cardmint/scan-core/pkg/models"
)

// Weights for the structural scoring stage (spec §4.5 step 3).
const (
	weightName   = 0.40
	weightNumber = 0.25
	weightSet    = 0.20
	weightHP     = 0.10
	weightRarity = 0.05
)

const (
	exactMatchBaseConfidence = 0.95
	exactMatchHistoricalBonus = 0.01

	fuzzyStrongThreshold  = 0.9
	fuzzySuggestThreshold = 0.7
	fuzzySubstringScore   = 0.9
)

// levenshtein computes classic edit distance between a and b.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// nameSimilarity implements spec §4.5 step 2: Levenshtein similarity
// with a substring-containment shortcut.
func nameSimilarity(a, b string) float64 {
	na, nb := catalog.NormalizeName(a), catalog.NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return fuzzySubstringScore
	}
	dist := levenshtein(na, nb)
	maxLen := len([]rune(na))
	if l := len([]rune(nb)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 0
	}
	return 1.0 - float64(dist)/float64(maxLen)
}

// structuralScore computes the weighted confidence for one catalog card
// against the extracted fields (spec §4.5 step 3). signals accumulates
// the enrichment tags describing what matched.
func structuralScore(fields models.ExtractedFields, card models.CatalogCard) (float64, []string) {
	var weightedSum, activeWeight float64
	var signals []string

	nameSim := nameSimilarity(fields.Name, card.Name)
	weightedSum += nameSim * weightName
	activeWeight += weightName
	if nameSim >= fuzzyStrongThreshold {
		signals = append(signals, "name_strong_match")
	} else if nameSim >= fuzzySuggestThreshold {
		signals = append(signals, "name_suggest_match")
	}

	if fields.SetNumber != "" {
		activeWeight += weightNumber
		if catalog.NormalizeCollectorNumber(fields.SetNumber) == catalog.NormalizeCollectorNumber(card.CollectorNumber) {
			weightedSum += weightNumber
			signals = append(signals, "number_exact_match")
		}
	}

	if fields.SetName != "" {
		activeWeight += weightSet
		setScore := setMatchScore(fields.SetName, card)
		weightedSum += setScore * weightSet
		if setScore > 0 {
			signals = append(signals, "set_match")
		}
	}

	if fields.HP != nil {
		activeWeight += weightHP
		if card.HP != nil && *card.HP == *fields.HP {
			weightedSum += weightHP
			signals = append(signals, "hp_exact_match")
		}
	}

	if fields.Rarity != "" {
		activeWeight += weightRarity
		if normalizedRarityEqual(fields.Rarity, card.Rarity) {
			weightedSum += weightRarity
			signals = append(signals, "rarity_match")
		}
	}

	if activeWeight == 0 {
		return 0, signals
	}
	return weightedSum / activeWeight, signals
}

func setMatchScore(setName string, card models.CatalogCard) float64 {
	n1 := catalog.NormalizeSet(setName)
	if n1 == catalog.NormalizeSet(card.SetID) || n1 == catalog.NormalizeSet(card.SetAlias) {
		return 1.0
	}
	sim := nameSimilarity(setName, card.SetName)
	if sim >= fuzzyStrongThreshold {
		return sim
	}
	return 0
}

func normalizedRarityEqual(a, b models.Rarity) bool {
	return catalog.NormalizeName(string(a)) == catalog.NormalizeName(string(b))
}
