package service

import (
	"context"
	"fmt"

	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/port"
)

// addItem is the body of the AddItem transaction. Every write goes through
// tx, so nothing is visible to other transactions until the caller commits.
func addItem(ctx context.Context, tx port.Tx, cmd AddItemCommand) (*domain.Order, error) {
	if cmd.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidArgument, cmd.Quantity)
	}

	order, err := loadOwnedOrder(ctx, tx, cmd.OrderID, cmd.ClientID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Mutable() {
		return nil, fmt.Errorf("order %d has status %q: %w", order.ID, order.Status, ErrLifecycleLocked)
	}

	// Holds the row until commit or rollback; concurrent writers of the same
	// item queue here and see our decrement once they get the lock.
	catalogItem, err := tx.LockCatalogItem(ctx, cmd.CatalogItemID)
	if err != nil {
		return nil, fmt.Errorf("lock catalog item %d: %w", cmd.CatalogItemID, err)
	}
	if catalogItem == nil {
		return nil, fmt.Errorf("catalog item %d: %w", cmd.CatalogItemID, ErrNotFound)
	}

	// Checked against the delta, not the resulting line quantity.
	if !catalogItem.HasStock(cmd.Quantity) {
		return nil, fmt.Errorf("catalog item %d: available %d, requested %d: %w",
			catalogItem.ID, catalogItem.Stock, cmd.Quantity, ErrInsufficientStock)
	}

	// The items loaded with the order predate the lock; a writer we queued
	// behind may have created or grown this line since.
	items, err := tx.ListOrderItems(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("reload order items: %w", err)
	}
	order.Items = items

	if existing, ok := order.ItemFor(cmd.CatalogItemID); ok {
		if err := tx.IncrementOrderItemQuantity(ctx, existing.ID, cmd.Quantity); err != nil {
			return nil, fmt.Errorf("update order item %d: %w", existing.ID, err)
		}
	} else {
		_, err := tx.InsertOrderItem(ctx, domain.OrderItem{
			OrderID:       order.ID,
			CatalogItemID: catalogItem.ID,
			Quantity:      cmd.Quantity,
			UnitPrice:     catalogItem.Price,
		})
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.DecrementStock(ctx, catalogItem.ID, cmd.Quantity); err != nil {
		return nil, fmt.Errorf("decrement stock for catalog item %d: %w", catalogItem.ID, err)
	}

	items, err = tx.ListOrderItems(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("reload order items: %w", err)
	}
	order.Items = items

	return order, nil
}

func loadOwnedOrder(ctx context.Context, tx port.Tx, orderID, clientID int64) (*domain.Order, error) {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if order.ClientID != clientID {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrForbidden)
	}
	return order, nil
}
