package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cardmint/scan-core/pkg/models"
)

// ReferenceLookup serves bulk reference prices keyed by the canonical
// (set, number, name) product key. The full CSV is parsed once and
// memoized per key; lookups are additionally LRU-cached so that the hot
// path for repeated queries against the same canonical key never
// re-touches the backing map (spec §4.6, default 10 000 entries / 15
// minute TTL).
type ReferenceLookup struct {
	mu      sync.RWMutex
	records map[string]models.ReferencePriceRecord

	cache *lru.Cache[string, cachedEntry]
	ttl   time.Duration
}

type cachedEntry struct {
	record    models.ReferencePriceRecord
	expiresAt time.Time
}

// NewReferenceLookup constructs an empty lookup. Call LoadCSV to
// populate it; calling LoadCSV again swaps in fresh data.
func NewReferenceLookup(cacheSize int, ttl time.Duration) (*ReferenceLookup, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	cache, err := lru.New[string, cachedEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to build reference LRU: %w", err)
	}
	return &ReferenceLookup{
		records: make(map[string]models.ReferencePriceRecord),
		cache:   cache,
		ttl:     ttl,
	}, nil
}

// LoadCSV parses a reference-price CSV (columns: set,number,name,condition,price;
// one condition and price per row, with rows for the same card merged into
// one record) and replaces the backing record set. This
// is the "parses the CSV once, memoizes per canonical_key" step of §4.6.
func (rl *ReferenceLookup) LoadCSV(src io.Reader) error {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("catalog: failed to parse reference csv: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	header := rows[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}

	records := make(map[string]models.ReferencePriceRecord)
	for _, row := range rows[1:] {
		get := func(name string) string {
			if i, ok := col[name]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		key := CanonicalKey(get("set"), get("number"), get("name"))
		rec, ok := records[key]
		if !ok {
			rec = models.ReferencePriceRecord{ProductKey: key, Prices: make(map[string]float64)}
		}
		condition := get("condition")
		if condition == "" {
			condition = "default"
		}
		if priceStr := get("price"); priceStr != "" {
			if price, err := strconv.ParseFloat(priceStr, 64); err == nil {
				rec.Prices[condition] = price
			}
		}
		records[key] = rec
	}

	rl.mu.Lock()
	rl.records = records
	rl.mu.Unlock()
	rl.cache.Purge()
	return nil
}

// Lookup resolves a (set, number, name) triple to its reference price
// record via the canonical key, falling through to a fuzzy pathway over
// alias variants when there is no exact hit.
func (rl *ReferenceLookup) Lookup(idx *Index, setID, setNumber, name string) (models.ReferencePriceRecord, bool) {
	key := CanonicalKey(setID, setNumber, name)

	if entry, ok := rl.cache.Get(key); ok {
		if time.Now().Before(entry.expiresAt) {
			return entry.record, true
		}
		rl.cache.Remove(key)
	}

	rl.mu.RLock()
	rec, ok := rl.records[key]
	rl.mu.RUnlock()

	if !ok && idx != nil {
		rec, ok = rl.fuzzyFallback(idx, setID, setNumber, name)
	}
	if ok {
		rl.cache.Add(key, cachedEntry{record: rec, expiresAt: time.Now().Add(rl.ttl)})
	}
	return rec, ok
}

// fuzzyFallback explores alias variants of name (via the catalog index's
// alias table) before giving up, per §4.6's "falls through to a fuzzy
// pathway that explores alias variants".
func (rl *ReferenceLookup) fuzzyFallback(idx *Index, setID, setNumber, name string) (models.ReferencePriceRecord, bool) {
	for _, card := range idx.ByFuzzyName(name) {
		key := CanonicalKey(setID, setNumber, card.Name)
		rl.mu.RLock()
		rec, ok := rl.records[key]
		rl.mu.RUnlock()
		if ok {
			return rec, true
		}
	}
	return models.ReferencePriceRecord{}, false
}
