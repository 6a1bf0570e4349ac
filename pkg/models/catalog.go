package models

import "time"

// CatalogCard is a read-only external reference record for one known
// printed card.
type CatalogCard struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SetID           string    `json:"setId"`
	SetName         string    `json:"setName"`
	SetAlias        string    `json:"setAlias,omitempty"` // e.g. ptcgo code
	CollectorNumber string    `json:"collectorNumber"`
	PrintedTotal    int       `json:"printedTotal,omitempty"`
	HP              *int      `json:"hp,omitempty"`
	Rarity          Rarity    `json:"rarity,omitempty"`
	NationalDexNos  []int     `json:"nationalDexNos,omitempty"`
	Aliases         []string  `json:"aliases,omitempty"`
	SetReleaseDate  time.Time `json:"setReleaseDate,omitempty"`
	Artist          string    `json:"artist,omitempty"`
	CardType        string    `json:"cardType,omitempty"`
	IconSHA256      string    `json:"iconSha256,omitempty"`
}

// ReferencePriceRecord is one row of the bulk price reference keyed by
// the canonical (set, number, name) product key.
type ReferencePriceRecord struct {
	ProductKey string             `json:"productKey"`
	Prices     map[string]float64 `json:"prices"` // condition/grade -> price
}
