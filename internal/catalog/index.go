// Package catalog is the read-mostly in-memory index of known cards
// (spec §4.6): canonical-key exact lookup, secondary maps by set id/alias
// and by fuzzy name, a National Dex -> species map used by the resolver's
// false-match filter, and the LRU-cached reference price lookup.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cardmint/scan-core/pkg/models"
)

// Index is an immutable, built-once snapshot of the catalog. A Manager
// wraps an atomic pointer to one so that a reload can be swapped in
// without blocking readers (spec §5 "built once, swapped atomically").
type Index struct {
	byCanonicalKey map[string]models.CatalogCard
	bySetID        map[string][]models.CatalogCard
	bySetAlias     map[string][]models.CatalogCard
	byFuzzyName    map[string][]models.CatalogCard
	byNationalDex  map[int][]models.CatalogCard
	aliases        map[string]string // alias -> canonical normalized name
}

// Manager holds an atomically swappable Index.
type Manager struct {
	idx atomic.Pointer[Index]
}

func NewManager() *Manager { return &Manager{} }

// Current returns the active index snapshot. Callers must not mutate it.
func (m *Manager) Current() *Index { return m.idx.Load() }

// Reload parses src as CSV and atomically swaps in the new Index. The
// expected columns are: id,name,set_id,set_name,set_alias,collector_number,
// printed_total,hp,rarity,national_dex_nos,aliases,artist,card_type,icon_sha256
// where list-valued columns are ';'-separated.
func (m *Manager) Reload(src io.Reader) error {
	idx, err := buildIndex(src)
	if err != nil {
		return err
	}
	m.idx.Store(idx)
	return nil
}

func buildIndex(src io.Reader) (*Index, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("catalog: empty source")
	}

	idx := &Index{
		byCanonicalKey: make(map[string]models.CatalogCard),
		bySetID:        make(map[string][]models.CatalogCard),
		bySetAlias:     make(map[string][]models.CatalogCard),
		byFuzzyName:    make(map[string][]models.CatalogCard),
		byNationalDex:  make(map[int][]models.CatalogCard),
		aliases:        make(map[string]string),
	}

	header := rows[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}

	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	for _, row := range rows[1:] {
		if len(row) == 0 || (len(row) == 1 && row[0] == "") {
			continue
		}
		card := models.CatalogCard{
			ID:              get(row, "id"),
			Name:            get(row, "name"),
			SetID:           get(row, "set_id"),
			SetName:         get(row, "set_name"),
			SetAlias:        get(row, "set_alias"),
			CollectorNumber: get(row, "collector_number"),
			Rarity:          models.Rarity(get(row, "rarity")),
			Artist:          get(row, "artist"),
			CardType:        get(row, "card_type"),
			IconSHA256:      get(row, "icon_sha256"),
		}
		if pt := get(row, "printed_total"); pt != "" {
			if n, err := strconv.Atoi(pt); err == nil {
				card.PrintedTotal = n
			}
		}
		if hp := get(row, "hp"); hp != "" {
			if n, err := strconv.Atoi(hp); err == nil {
				card.HP = &n
			}
		}
		if nd := get(row, "national_dex_nos"); nd != "" {
			for _, part := range strings.Split(nd, ";") {
				if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
					card.NationalDexNos = append(card.NationalDexNos, n)
				}
			}
		}
		if al := get(row, "aliases"); al != "" {
			for _, part := range strings.Split(al, ";") {
				part = strings.TrimSpace(part)
				if part != "" {
					card.Aliases = append(card.Aliases, part)
				}
			}
		}
		indexCard(idx, card)
	}

	return idx, nil
}

func indexCard(idx *Index, card models.CatalogCard) {
	key := CanonicalKey(card.SetID, card.CollectorNumber, card.Name)
	idx.byCanonicalKey[key] = card

	setKey := NormalizeSet(card.SetID)
	idx.bySetID[setKey] = append(idx.bySetID[setKey], card)

	if card.SetAlias != "" {
		aliasKey := NormalizeSet(card.SetAlias)
		idx.bySetAlias[aliasKey] = append(idx.bySetAlias[aliasKey], card)
	}

	fuzzyKey := NormalizeName(card.Name)
	idx.byFuzzyName[fuzzyKey] = append(idx.byFuzzyName[fuzzyKey], card)

	// Every alias normalization collision also resolves via the fuzzy map,
	// per spec §4.6: "Pokémon" -> "pokemon", "Nidoran♀" -> "nidoran f", etc.
	for _, alias := range card.Aliases {
		normalized := NormalizeName(alias)
		idx.aliases[normalized] = fuzzyKey
		idx.byFuzzyName[normalized] = append(idx.byFuzzyName[normalized], card)
	}

	for _, dex := range card.NationalDexNos {
		idx.byNationalDex[dex] = append(idx.byNationalDex[dex], card)
	}
}

// ExactMatch looks up the canonical key directly (spec §4.5 step 1).
func (idx *Index) ExactMatch(setID, setNumber, name string) (models.CatalogCard, bool) {
	c, ok := idx.byCanonicalKey[CanonicalKey(setID, setNumber, name)]
	return c, ok
}

// BySetID returns all cards printed in the given set, matched by id or alias.
func (idx *Index) BySetID(setID string) []models.CatalogCard {
	key := NormalizeSet(setID)
	out := idx.bySetID[key]
	out = append(out, idx.bySetAlias[key]...)
	return out
}

// ByFuzzyName returns every card whose normalized name (or any alias)
// equals the normalized query name.
func (idx *Index) ByFuzzyName(name string) []models.CatalogCard {
	return idx.byFuzzyName[NormalizeName(name)]
}

// AllCandidatesForName returns a deduplicated candidate pool to run
// structural scoring over: all cards sharing the fuzzy name bucket (by
// normalized name or alias). Cards under any other name are not included,
// even when they belong to the same set.
func (idx *Index) AllCandidatesForName(name string) []models.CatalogCard {
	return idx.ByFuzzyName(name)
}

// SpeciesForNationalDex returns every card whose species has National Dex
// number n (spec §4.5 step 4, the PriceCharting false-match filter).
func (idx *Index) SpeciesForNationalDex(n int) []models.CatalogCard {
	return idx.byNationalDex[n]
}

// Size returns the number of distinct canonical-key entries, for metrics.
func (idx *Index) Size() int { return len(idx.byCanonicalKey) }
