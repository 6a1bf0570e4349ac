package models

// Rarity is one of the eight printed rarity tiers the primary inference
// path is constrained to, or the zero value for "not printed".
type Rarity string

const (
	RarityCommon       Rarity = "Common"
	RarityUncommon     Rarity = "Uncommon"
	RarityRare         Rarity = "Rare"
	RarityRareHolo     Rarity = "Rare Holo"
	RarityRareHoloEX   Rarity = "Rare Holo EX"
	RarityRareHoloGX   Rarity = "Rare Holo GX"
	RarityRareUltra    Rarity = "Rare Ultra"
	RaritySecretRare   Rarity = "Rare Secret"
)

// ValidRarities enumerates the closed eight-value rarity set.
var ValidRarities = []Rarity{
	RarityCommon, RarityUncommon, RarityRare, RarityRareHolo,
	RarityRareHoloEX, RarityRareHoloGX, RarityRareUltra, RaritySecretRare,
}

func (r Rarity) Valid() bool {
	if r == "" {
		return true
	}
	for _, v := range ValidRarities {
		if v == r {
			return true
		}
	}
	return false
}

// HoloType is the closed holo-finish enum.
type HoloType string

const (
	HoloTypeHolo        HoloType = "holo"
	HoloTypeReverseHolo HoloType = "reverse_holo"
	HoloTypeNonHolo      HoloType = "non_holo"
	HoloTypeUnknown      HoloType = "unknown"
)

// ExtractedFields is the raw output of the inference orchestrator,
// before resolution against the catalog.
type ExtractedFields struct {
	Name               string   `json:"name,omitempty"`
	HP                 *int     `json:"hp"` // nil == explicit null (non-Pokemon)
	SetNumber          string   `json:"setNumber,omitempty"`
	SetName            string   `json:"setName,omitempty"`
	Rarity             Rarity   `json:"rarity,omitempty"`
	Artist             string   `json:"artist,omitempty"`
	CardType           string   `json:"cardType,omitempty"`
	FirstEditionStamp  bool     `json:"firstEditionStamp"`
	Shadowless         bool     `json:"shadowless"`
	HoloType           HoloType `json:"holoType,omitempty"`
}

// Candidate is one ranked catalog match produced by the resolver.
type Candidate struct {
	CatalogID          string   `json:"catalogId"`
	DisplayTitle       string   `json:"displayTitle"`
	Confidence         float64  `json:"confidence"`
	ThumbnailRef       string   `json:"thumbnailRef,omitempty"`
	SourceTag          string   `json:"sourceTag,omitempty"`
	AutoConfirm        bool     `json:"autoConfirm"`
	EnrichmentSignals  []string `json:"enrichmentSignals,omitempty"`
}

// Decision is the resolver's overall verdict for a candidate list.
type Decision string

const (
	DecisionAutoAccept        Decision = "accept-auto"
	DecisionNeedsOperator     Decision = "needs-operator"
	DecisionNoReasonableMatch Decision = "no-reasonable-candidate"
)
