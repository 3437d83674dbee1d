package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is one of the five known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusShipped, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Mutable reports whether line items may still be added.
func (s OrderStatus) Mutable() bool {
	return s == OrderStatusCreated
}

type Order struct {
	ID        int64
	ClientID  int64
	Status    OrderStatus
	Items     []OrderItem // ascending by ID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemFor returns the line item referencing catalogItemID, if any.
func (o *Order) ItemFor(catalogItemID int64) (*OrderItem, bool) {
	for i := range o.Items {
		if o.Items[i].CatalogItemID == catalogItemID {
			return &o.Items[i], true
		}
	}
	return nil, false
}

// Total sums every line item at its frozen unit price.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// OrderItem is one line of an order. UnitPrice is captured when the line is
// first inserted and never follows later catalog price changes.
type OrderItem struct {
	ID            int64
	OrderID       int64
	CatalogItemID int64
	Quantity      int
	UnitPrice     decimal.Decimal
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
