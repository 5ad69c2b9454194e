package model

// ProductSnapshot is one point-in-time observation of a product. Pointer
// fields are absent when the store did not expose them or extraction failed.
type ProductSnapshot struct {
	Sku         string           `json:"sku"`
	Price       int64            `json:"price"`
	SalePrice   *int64           `json:"sale_price,omitempty"`
	Title       *string          `json:"title,omitempty"`
	Brand       *string          `json:"brand,omitempty"`
	Gtin        *string          `json:"gtin,omitempty"`
	Image       *string          `json:"image,omitempty"`
	Description *string          `json:"description,omitempty"`
	InStock     *bool            `json:"in_stock,omitempty"`
	Attributes  []AttributeGroup `json:"attributes,omitempty"`
	Categories  []string         `json:"categories,omitempty"`
	URL         string           `json:"url"`
}

type AttributeGroup struct {
	Name       string      `json:"name"`
	Attributes []Attribute `json:"attributes"`
}

type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SnapshotMessage is what downstream consumers receive for every snapshot
// of a run.
type SnapshotMessage struct {
	Store     string          `json:"store"`
	StoreID   int64           `json:"store_id"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds of the run
	Product   ProductSnapshot `json:"product"`
}
