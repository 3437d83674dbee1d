package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-service/internal/adapter/storage"
	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/core/service"
	"github.com/rl1809/order-service/internal/port"
)

type idempotencyCache struct {
	mu   sync.Mutex
	keys map[string]string
}

func (c *idempotencyCache) GetClientID(context.Context, string) (int64, bool, error) {
	return 0, false, nil
}

func (c *idempotencyCache) SetClientID(context.Context, string, int64, time.Duration) error {
	return nil
}

func (c *idempotencyCache) SetIdempotency(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[key]; ok {
		return false, nil
	}
	c.keys[key] = token
	return true, nil
}

func (c *idempotencyCache) ReleaseIdempotency(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[key] == token {
		delete(c.keys, key)
	}
	return nil
}

type fixture struct {
	store   *storage.MemoryAdapter
	orders  *service.OrderService
	clients *service.ClientService
	itemID  int64
}

func newFixture(t *testing.T, stock int) *fixture {
	t.Helper()

	store := storage.NewMemoryAdapter(2 * time.Second)
	cache := &idempotencyCache{keys: make(map[string]string)}
	f := &fixture{
		store:   store,
		orders:  service.NewOrderService(store, service.WithCache(cache, time.Minute)),
		clients: service.NewClientService(store, nil, 0, nil),
	}
	f.itemID = store.PutCatalogItem(domain.CatalogItem{
		SKU:   "LAPTOP-1",
		Name:  "Laptop",
		Price: decimal.RequireFromString("999.99"),
		Stock: stock,
	})
	return f
}

// registerWithOrder creates a client and an empty order owned by it.
func (f *fixture) registerWithOrder(t *testing.T) (apiKey string, orderID int64) {
	t.Helper()
	ctx := context.Background()

	client, err := f.clients.Register(ctx, "Test Client", nil)
	require.NoError(t, err)
	view, err := f.orders.CreateOrder(ctx, client.ID)
	require.NoError(t, err)
	return client.APIKey, view.ID
}

// orderWithStatus creates an order in status for the client behind clientAPIKey.
func (f *fixture) orderWithStatus(t *testing.T, clientAPIKey string, status domain.OrderStatus) int64 {
	t.Helper()
	ctx := context.Background()

	clientID, err := f.clients.Authenticate(ctx, clientAPIKey)
	require.NoError(t, err)

	var orderID int64
	err = f.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var txErr error
		orderID, txErr = tx.CreateOrder(ctx, clientID, status)
		return txErr
	})
	require.NoError(t, err)
	return orderID
}
