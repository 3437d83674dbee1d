package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CatalogItem is a sellable product row. Stock is only ever decremented
// while the row is held under an exclusive lock.
type CatalogItem struct {
	ID        int64
	SKU       string
	Name      string
	Price     decimal.Decimal
	Stock     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasStock reports whether quantity more units can be taken from the item.
func (c CatalogItem) HasStock(quantity int) bool {
	return c.Stock >= quantity
}
