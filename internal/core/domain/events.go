package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemAddedEvent is emitted once an AddItem transaction has committed.
type ItemAddedEvent struct {
	OrderID       int64
	ClientID      int64
	CatalogItemID int64
	Quantity      int
	UnitPrice     decimal.Decimal
	OrderTotal    decimal.Decimal
	OccurredAt    time.Time
}
