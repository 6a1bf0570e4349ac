package models

import "time"

// WebhookEvent is the outbound payload of spec §6's downstream webhook:
// the operator's accept decision projected into the fields a storefront
// integration needs.
type WebhookEvent struct {
	UUID         string    `json:"uuid"`
	SKU          string    `json:"sku"`
	Status       string    `json:"status"`
	Visibility   string    `json:"visibility"`
	UpdatedAt    time.Time `json:"updated_at"`
	Price        *float64  `json:"price"`
	Name         string    `json:"name"`
	Qty          int       `json:"qty"`
	CategoryName string    `json:"category_name"`
	VariantTags  []string  `json:"variant_tags"`
}
