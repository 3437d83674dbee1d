package domain

import "github.com/shopspring/decimal"

// OrderView is the read model returned after a mutation or a read-back.
type OrderView struct {
	ID          int64
	ClientID    int64
	Status      OrderStatus
	Items       []OrderItemView
	TotalAmount decimal.Decimal
}

type OrderItemView struct {
	ID            int64
	CatalogItemID int64
	Quantity      int
	UnitPrice     decimal.Decimal
	TotalPrice    decimal.Decimal
}

// NewOrderView assembles the view from an order and its line items.
func NewOrderView(order Order) OrderView {
	view := OrderView{
		ID:          order.ID,
		ClientID:    order.ClientID,
		Status:      order.Status,
		Items:       make([]OrderItemView, 0, len(order.Items)),
		TotalAmount: decimal.Zero,
	}
	for _, item := range order.Items {
		lineTotal := item.LineTotal()
		view.Items = append(view.Items, OrderItemView{
			ID:            item.ID,
			CatalogItemID: item.CatalogItemID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			TotalPrice:    lineTotal,
		})
		view.TotalAmount = view.TotalAmount.Add(lineTotal)
	}
	return view
}
