package model

import "time"

// PriceInterval is a persisted span during which a price was last confirmed
// unchanged. The interval with the greatest End per (StoreID, Sku, SalePrice)
// is the current price.
type PriceInterval struct {
	ID        int64
	Sku       string
	StoreID   int64
	SalePrice bool
	Price     int64
	Start     time.Time
	End       time.Time
}

type ProductMetadata struct {
	Sku               string
	StoreID           int64
	Name              *string
	Brand             *string
	Ean               *string
	Attributes        []AttributeGroup
	Categories        []string
	Image             *string
	Description       *string
	InStock           *bool
	URL               *string
	LastSeen          time.Time
	SalePriceLastSeen *time.Time
}

type UpsertResult struct {
	MatchedCount  int64 `json:"matched_count"`
	ModifiedCount int64 `json:"modified_count"`
	UpsertedCount int64 `json:"upserted_count"`
}

func (r *UpsertResult) Add(o UpsertResult) {
	r.MatchedCount += o.MatchedCount
	r.ModifiedCount += o.ModifiedCount
	r.UpsertedCount += o.UpsertedCount
}

// StoreUpdateResult aggregates the three independent mutation groups of one
// history update.
type StoreUpdateResult struct {
	Store            string       `json:"store"`
	Snapshots        int          `json:"snapshots"`
	Rejected         int          `json:"rejected"`
	LookupErrors     int          `json:"lookup_errors"`
	NewPrices        int64        `json:"new_prices"`
	PriceUpdate      UpsertResult `json:"price_update"`
	MetadataUpsert   UpsertResult `json:"metadata_upsert"`
	FailedExtends    int          `json:"failed_extends"`
	FailedUpserts    int          `json:"failed_upserts"`
	FailedInsertions int          `json:"failed_insertions"`
}
