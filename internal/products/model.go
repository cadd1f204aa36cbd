package products

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog entry. Pricing is the shelf price; cost lives
// in the costing engine's layers.
type Product struct {
	ID        int64           `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Price     decimal.Decimal `json:"price"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListFilters narrows product listings.
type ListFilters struct {
	Search   string
	IsActive *bool
	Limit    int
	Offset   int
}

// ErrNotFound indicates an unknown product id.
var ErrNotFound = errors.New("products: not found")

// ErrDuplicateSKU indicates the SKU is already taken.
var ErrDuplicateSKU = errors.New("products: duplicate sku")
