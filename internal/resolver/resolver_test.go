package resolver

import (
	"strings"
	"testing"

	"github.com/cardmint/scan-core/internal/catalog"
	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

func testConfig() *config.Config {
	return &config.Config{
		AutoAcceptThreshold: 0.90,
		AutoAcceptMargin:    0.10,
		ReasonableThreshold: 0.40,
		PathCEnabled:        true,
		PathCMinSignals:     2,
		PathCHardFilter:     0.90,
		PathCSoftRerank:     0.70,
	}
}

func csvIndex(t *testing.T, csv string) *catalog.Index {
	t.Helper()
	mgr := catalog.NewManager()
	if err := mgr.Reload(strings.NewReader(csv)); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return mgr.Current()
}

const header = "id,name,set_id,set_name,set_alias,collector_number,printed_total,hp,rarity,national_dex_nos,aliases,artist,card_type,icon_sha256\n"

func TestResolve_ExactMatchAutoConfirm(t *testing.T) {
	csv := header + "pik-base1-58,Pikachu,base1,Base Set,BS,58,102,60,Common,25,,Mitsuhiro Arita,Lightning,\n"
	idx := csvIndex(t, csv)

	fields := models.ExtractedFields{Name: "Pikachu", SetNumber: "58/102", SetName: "base1", Rarity: models.RarityCommon}
	res := Resolve(testConfig(), idx, nil, fields)

	if len(res.Candidates) == 0 {
		t.Fatalf("expected candidates")
	}
	if res.Candidates[0].Confidence < 0.95 {
		t.Fatalf("expected high confidence exact match, got %v", res.Candidates[0].Confidence)
	}
	if res.Decision != models.DecisionAutoAccept {
		t.Fatalf("expected auto-accept decision, got %v", res.Decision)
	}
	if !res.Candidates[0].AutoConfirm {
		t.Fatalf("expected AutoConfirm flag set")
	}
}

func TestResolve_CandidateConfidenceNonIncreasing(t *testing.T) {
	csv := header +
		"a,Pikachu,base1,Base Set,BS,58,102,60,Common,25,,Mitsuhiro Arita,Lightning,\n" +
		"b,Pikachu,base2,Base Set 2,B2,60,130,60,Common,25,,Mitsuhiro Arita,Lightning,\n"
	idx := csvIndex(t, csv)

	fields := models.ExtractedFields{Name: "Pikachu"}
	res := Resolve(testConfig(), idx, nil, fields)

	for i := 1; i < len(res.Candidates); i++ {
		if res.Candidates[i].Confidence > res.Candidates[i-1].Confidence {
			t.Fatalf("candidates not sorted descending at index %d", i)
		}
	}
}

func TestResolve_NoReasonableCandidate(t *testing.T) {
	idx := csvIndex(t, header+"a,Charizard,base1,Base Set,BS,4,102,120,Rare Holo,6,,Mitsuhiro Arita,Fire,\n")
	fields := models.ExtractedFields{Name: "Zzzznotacard"}
	res := Resolve(testConfig(), idx, nil, fields)
	if res.Decision != models.DecisionNoReasonableMatch {
		t.Fatalf("expected no-reasonable-candidate, got %v", res.Decision)
	}
}

func TestResolve_PathCSoftRerank(t *testing.T) {
	csv := header +
		"a,Pikachu,base1,Base Set,BS,58,102,60,Common,25,,Mitsuhiro Arita,Lightning,\n" +
		"b,Pikachu,base2,Base Set 2,B2,58,130,60,Uncommon,25,,Someone Else,Lightning,\n"
	idx := csvIndex(t, csv)

	fields := models.ExtractedFields{Name: "Pikachu", SetNumber: "58", Rarity: models.RarityCommon, Artist: "Mitsuhiro Arita"}
	res := Resolve(testConfig(), idx, nil, fields)

	if res.PathC.Action == "" {
		t.Fatalf("expected Path C telemetry to be recorded")
	}
	if res.PathC.Action != "soft_rerank" && res.PathC.Action != "hard_filter" {
		t.Fatalf("expected rarity+artist agreement to trigger Path C, got action=%s", res.PathC.Action)
	}
	if res.Candidates[0].CatalogID != "a" {
		t.Fatalf("expected Base Set (matching rarity+artist) to win, got %s", res.Candidates[0].CatalogID)
	}
}

func TestResolve_NationalDexExceptionSuppressesMismatch(t *testing.T) {
	idx := csvIndex(t, header+"a,Celebi,neo4,Neo Revelation,N4,251,64,,Rare Holo,251,,Some Artist,Psychic,\n")
	fields := models.ExtractedFields{Name: "Celebi", SetNumber: "251", SetName: "Celebi #251 [Some Random Product]"}
	res := Resolve(testConfig(), idx, nil, fields)
	if len(res.Candidates) == 0 {
		t.Fatalf("expected a candidate")
	}
	found := false
	for _, s := range res.Candidates[0].EnrichmentSignals {
		if s == "national_dex_exception" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected national_dex_exception signal, got %v", res.Candidates[0].EnrichmentSignals)
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"pikachu", "pikachu", 0},
		{"pikachu", "pikchu", 1},
		{"kitten", "sitting", 3},
	}
	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Errorf("levenshtein(%q,%q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestCanonicalKey_CollectorNumberNormalization(t *testing.T) {
	k1 := catalog.CanonicalKey("base1", "63/102", "Name")
	k2 := catalog.CanonicalKey("base1", "063", "Name")
	if k1 != k2 {
		t.Fatalf("expected collector number normalization to unify %q and %q", k1, k2)
	}
}
