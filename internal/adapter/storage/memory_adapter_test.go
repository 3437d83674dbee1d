package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/port"
)

func newMemoryFixture(t *testing.T, stock int) (store *MemoryAdapter, itemID, orderID int64) {
	t.Helper()
	ctx := context.Background()

	store = NewMemoryAdapter(100 * time.Millisecond)
	itemID = store.PutCatalogItem(domain.CatalogItem{
		SKU:   "X",
		Name:  "Widget",
		Price: decimal.RequireFromString("10.00"),
		Stock: stock,
	})
	clientID, err := store.CreateClient(ctx, domain.Client{Name: "c", APIKey: "gen_fixture"})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var txErr error
		orderID, txErr = tx.CreateOrder(ctx, clientID, domain.OrderStatusCreated)
		return txErr
	})
	require.NoError(t, err)
	return store, itemID, orderID
}

func fixtureClientID(t *testing.T, store *MemoryAdapter) int64 {
	t.Helper()
	client, err := store.GetClientByAPIKey(context.Background(), "gen_fixture")
	require.NoError(t, err)
	require.NotNil(t, client)
	return client.ID
}

func TestMemory_CommitAppliesWrites(t *testing.T) {
	store, itemID, orderID := newMemoryFixture(t, 5)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		item, err := tx.LockCatalogItem(ctx, itemID)
		require.NoError(t, err)
		_, err = tx.InsertOrderItem(ctx, domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 2, UnitPrice: item.Price})
		require.NoError(t, err)
		return tx.DecrementStock(ctx, itemID, 2)
	})
	require.NoError(t, err)

	item, ok := store.CatalogItem(itemID)
	require.True(t, ok)
	assert.Equal(t, 3, item.Stock)

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, order.Items, 1)
		assert.Equal(t, 2, order.Items[0].Quantity)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ErrorRollsBack(t *testing.T) {
	store, itemID, orderID := newMemoryFixture(t, 5)
	boom := errors.New("boom")

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.LockCatalogItem(ctx, itemID)
		require.NoError(t, err)
		_, err = tx.InsertOrderItem(ctx, domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 1, UnitPrice: decimal.NewFromInt(10)})
		require.NoError(t, err)
		require.NoError(t, tx.DecrementStock(ctx, itemID, 1))
		return boom
	})
	require.ErrorIs(t, err, boom)

	item, _ := store.CatalogItem(itemID)
	assert.Equal(t, 5, item.Stock)
	assertNoItems(t, store, orderID)
}

func TestMemory_PanicRollsBackAndReleasesLock(t *testing.T) {
	store, itemID, orderID := newMemoryFixture(t, 5)

	assert.Panics(t, func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			_, _ = tx.LockCatalogItem(ctx, itemID)
			_ = tx.DecrementStock(ctx, itemID, 4)
			panic("handler bug")
		})
	})

	item, _ := store.CatalogItem(itemID)
	assert.Equal(t, 5, item.Stock)
	assertNoItems(t, store, orderID)

	// The lock must be free again.
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.LockCatalogItem(ctx, itemID)
		return err
	})
	assert.NoError(t, err)
}

func TestMemory_CancelledContextRollsBack(t *testing.T) {
	store, itemID, _ := newMemoryFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		_, err := tx.LockCatalogItem(ctx, itemID)
		require.NoError(t, err)
		require.NoError(t, tx.DecrementStock(ctx, itemID, 5))
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	item, _ := store.CatalogItem(itemID)
	assert.Equal(t, 5, item.Stock)
}

func TestMemory_LockBlocksUntilHolderCommits(t *testing.T) {
	store, itemID, _ := newMemoryFixture(t, 5)
	store.lockWait = 2 * time.Second

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			if _, err := tx.LockCatalogItem(ctx, itemID); err != nil {
				return err
			}
			if err := tx.DecrementStock(ctx, itemID, 3); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	observed := make(chan int, 1)
	go func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			item, err := tx.LockCatalogItem(ctx, itemID)
			if err != nil {
				return err
			}
			observed <- item.Stock
			return nil
		})
	}()

	select {
	case <-observed:
		t.Fatal("second transaction acquired the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-holderDone)
	assert.Equal(t, 2, <-observed, "waiter must see the committed decrement")
}

func TestMemory_LockWaitTimeout(t *testing.T) {
	store, itemID, _ := newMemoryFixture(t, 5)

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			if _, err := tx.LockCatalogItem(ctx, itemID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.LockCatalogItem(ctx, itemID)
		return err
	})
	assert.ErrorIs(t, err, port.ErrLockTimeout)

	close(release)
	require.NoError(t, <-holderDone)
}

func TestMemory_DecrementRequiresLock(t *testing.T) {
	store, itemID, _ := newMemoryFixture(t, 5)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		return tx.DecrementStock(ctx, itemID, 1)
	})
	assert.ErrorIs(t, err, errRowNotLocked)
}

func TestMemory_DecrementNeverGoesNegative(t *testing.T) {
	store, itemID, _ := newMemoryFixture(t, 1)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.LockCatalogItem(ctx, itemID); err != nil {
			return err
		}
		return tx.DecrementStock(ctx, itemID, 2)
	})
	assert.ErrorIs(t, err, errNegativeStock)

	item, _ := store.CatalogItem(itemID)
	assert.Equal(t, 1, item.Stock)
}

func TestMemory_DuplicateLineItemBackstop(t *testing.T) {
	store, itemID, orderID := newMemoryFixture(t, 5)
	line := domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 1, UnitPrice: decimal.NewFromInt(10)}

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.InsertOrderItem(ctx, line)
		return err
	})
	require.NoError(t, err)

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.InsertOrderItem(ctx, line)
		return err
	})
	assert.ErrorIs(t, err, port.ErrDuplicateLineItem)
}

func TestMemory_UncommittedWritesAreInvisible(t *testing.T) {
	store, itemID, orderID := newMemoryFixture(t, 5)
	clientID := fixtureClientID(t, store)
	store.lockWait = 2 * time.Second

	var lineID int64
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		var err error
		lineID, err = tx.InsertOrderItem(ctx, domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 1, UnitPrice: decimal.NewFromInt(10)})
		return err
	})
	require.NoError(t, err)

	written := make(chan struct{})
	release := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			if _, err := tx.LockCatalogItem(ctx, itemID); err != nil {
				return err
			}
			if err := tx.IncrementOrderItemQuantity(ctx, lineID, 2); err != nil {
				return err
			}
			if err := tx.DecrementStock(ctx, itemID, 2); err != nil {
				return err
			}
			if _, err := tx.CreateOrder(ctx, clientID, domain.OrderStatusCreated); err != nil {
				return err
			}
			close(written)
			<-release
			return nil
		})
	}()
	<-written

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		items, err := tx.ListOrderItems(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 1, items[0].Quantity, "pending increment leaked")
		return nil
	})
	require.NoError(t, err)
	item, _ := store.CatalogItem(itemID)
	assert.Equal(t, 5, item.Stock, "pending decrement leaked")

	close(release)
	require.NoError(t, <-writerDone)

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		items, err := tx.ListOrderItems(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 3, items[0].Quantity)
		return nil
	})
	require.NoError(t, err)
	item, _ = store.CatalogItem(itemID)
	assert.Equal(t, 3, item.Stock)
}

func TestMemory_UncommittedInsertIsInvisible(t *testing.T) {
	store, itemID, orderID := newMemoryFixture(t, 5)

	inserted := make(chan struct{})
	release := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			_, err := tx.InsertOrderItem(ctx, domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 2, UnitPrice: decimal.NewFromInt(10)})
			if err != nil {
				return err
			}
			close(inserted)
			<-release
			return errors.New("abort")
		})
	}()
	<-inserted

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		require.NoError(t, err)
		require.NotNil(t, order)
		assert.Empty(t, order.Items)

		// The pending row still holds the unique slot.
		_, err = tx.InsertOrderItem(ctx, domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 1, UnitPrice: decimal.NewFromInt(10)})
		assert.ErrorIs(t, err, port.ErrDuplicateLineItem)
		return nil
	})
	require.NoError(t, err)

	close(release)
	require.Error(t, <-writerDone)
	assertNoItems(t, store, orderID)

	// Rollback frees the slot.
	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		_, err := tx.InsertOrderItem(ctx, domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 1, UnitPrice: decimal.NewFromInt(10)})
		return err
	})
	assert.NoError(t, err)
}

func TestMemory_UncommittedOrderIsInvisible(t *testing.T) {
	store, _, _ := newMemoryFixture(t, 5)
	clientID := fixtureClientID(t, store)

	created := make(chan int64)
	release := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			id, err := tx.CreateOrder(ctx, clientID, domain.OrderStatusCreated)
			if err != nil {
				return err
			}
			own, err := tx.GetOrder(ctx, id)
			if err != nil || own == nil {
				return errors.New("own order not visible")
			}
			created <- id
			<-release
			return nil
		})
	}()
	orderID := <-created

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		require.NoError(t, err)
		assert.Nil(t, order)
		return nil
	})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-writerDone)

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		require.NoError(t, err)
		assert.NotNil(t, order)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_IncrementAddsToStoredQuantity(t *testing.T) {
	store, itemID, orderID := newMemoryFixture(t, 5)

	var lineID int64
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		var err error
		lineID, err = tx.InsertOrderItem(ctx, domain.OrderItem{OrderID: orderID, CatalogItemID: itemID, Quantity: 1, UnitPrice: decimal.NewFromInt(10)})
		if err != nil {
			return err
		}
		// Own pending row.
		return tx.IncrementOrderItemQuantity(ctx, lineID, 1)
	})
	require.NoError(t, err)

	// Two transactions increment the same committed row without a catalog
	// lock; neither delta may be lost.
	firstWritten := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			if err := tx.IncrementOrderItemQuantity(ctx, lineID, 3); err != nil {
				return err
			}
			close(firstWritten)
			<-release
			return nil
		})
	}()
	<-firstWritten

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		return tx.IncrementOrderItemQuantity(ctx, lineID, 4)
	})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-firstDone)

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		items, err := tx.ListOrderItems(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 9, items[0].Quantity)

		assert.Error(t, tx.IncrementOrderItemQuantity(ctx, lineID, 0))
		assert.Error(t, tx.IncrementOrderItemQuantity(ctx, 9999, 1))
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_SetCatalogPrice(t *testing.T) {
	store, itemID, _ := newMemoryFixture(t, 5)

	require.True(t, store.SetCatalogPrice(itemID, decimal.RequireFromString("12.50")))
	assert.False(t, store.SetCatalogPrice(9999, decimal.NewFromInt(1)))

	item, ok := store.CatalogItem(itemID)
	require.True(t, ok)
	assert.True(t, item.Price.Equal(decimal.RequireFromString("12.50")))
}

func TestMemory_Clients(t *testing.T) {
	store := NewMemoryAdapter(0)
	ctx := context.Background()

	id, err := store.CreateClient(ctx, domain.Client{Name: "a", APIKey: "gen_a"})
	require.NoError(t, err)

	_, err = store.CreateClient(ctx, domain.Client{Name: "b", APIKey: "gen_a"})
	assert.ErrorIs(t, err, port.ErrDuplicateAPIKey)

	client, err := store.GetClientByAPIKey(ctx, "gen_a")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, id, client.ID)

	unknown, err := store.GetClientByAPIKey(ctx, "gen_missing")
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func assertNoItems(t *testing.T, store *MemoryAdapter, orderID int64) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		items, err := tx.ListOrderItems(ctx, orderID)
		require.NoError(t, err)
		assert.Empty(t, items)
		return nil
	})
	require.NoError(t, err)
}
