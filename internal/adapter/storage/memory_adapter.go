package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/port"
)

const defaultLockWaitTimeout = 5 * time.Second

var (
	errRowNotLocked  = errors.New("catalog item row is not locked by this transaction")
	errNegativeStock = errors.New("stock would become negative")
	errTxDone        = errors.New("transaction already finished")
)

// MemoryAdapter is an in-process store implementing the same ports as the
// MySQL adapter. Catalog rows carry a one-slot channel used as an exclusive
// lock. Transactions buffer their writes and publish them on commit, so
// readers only ever see committed rows.
type MemoryAdapter struct {
	mu       sync.Mutex
	lockWait time.Duration

	clients      map[int64]domain.Client
	clientsByKey map[string]int64
	catalog      map[int64]*catalogRow
	orders       map[int64]domain.Order
	items        map[int64]domain.OrderItem

	// lines plays the unique (order_id, catalog_item_id) index. A nil owner
	// marks a committed line; otherwise the inserting transaction holds it.
	lines map[lineKey]*memoryTx

	lastID int64
}

type catalogRow struct {
	lock chan struct{}
	item domain.CatalogItem
}

type lineKey struct {
	orderID       int64
	catalogItemID int64
}

func NewMemoryAdapter(lockWait time.Duration) *MemoryAdapter {
	if lockWait <= 0 {
		lockWait = defaultLockWaitTimeout
	}
	return &MemoryAdapter{
		lockWait:     lockWait,
		clients:      make(map[int64]domain.Client),
		clientsByKey: make(map[string]int64),
		catalog:      make(map[int64]*catalogRow),
		orders:       make(map[int64]domain.Order),
		items:        make(map[int64]domain.OrderItem),
		lines:        make(map[lineKey]*memoryTx),
	}
}

// PutCatalogItem inserts a catalog row outside any transaction and returns its ID.
func (m *MemoryAdapter) PutCatalogItem(item domain.CatalogItem) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.ID = m.nextID()
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	m.catalog[item.ID] = &catalogRow{lock: make(chan struct{}, 1), item: item}
	return item.ID
}

// SetCatalogPrice changes the list price of a catalog row outside any
// transaction. It reports false when the row does not exist.
func (m *MemoryAdapter) SetCatalogPrice(id int64, price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.catalog[id]
	if !ok {
		return false
	}
	row.item.Price = price
	row.item.UpdatedAt = time.Now().UTC()
	return true
}

// CatalogItem returns the committed state of a catalog row.
func (m *MemoryAdapter) CatalogItem(id int64) (domain.CatalogItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.catalog[id]
	if !ok {
		return domain.CatalogItem{}, false
	}
	return row.item, true
}

func (m *MemoryAdapter) WithinTx(ctx context.Context, fn port.TxFunc) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newMemoryTx(m)
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			tx.rollback()
			return
		}
		tx.commit()
	}()

	return fn(ctx, tx)
}

func (m *MemoryAdapter) CreateClient(ctx context.Context, client domain.Client) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clientsByKey[client.APIKey]; exists {
		return 0, port.ErrDuplicateAPIKey
	}
	client.ID = m.nextID()
	client.CreatedAt = time.Now().UTC()
	m.clients[client.ID] = client
	m.clientsByKey[client.APIKey] = client.ID
	return client.ID, nil
}

func (m *MemoryAdapter) GetClientByAPIKey(ctx context.Context, apiKey string) (*domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.clientsByKey[apiKey]
	if !ok {
		return nil, nil
	}
	client := m.clients[id]
	return &client, nil
}

func (m *MemoryAdapter) GetClient(ctx context.Context, clientID int64) (*domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	return &client, nil
}

// nextID must be called with mu held.
func (m *MemoryAdapter) nextID() int64 {
	m.lastID++
	return m.lastID
}

type memoryTx struct {
	store *MemoryAdapter
	held  map[int64]*catalogRow

	// Pending writes, invisible to other transactions until commit.
	orders     map[int64]domain.Order
	items      map[int64]domain.OrderItem
	increments map[int64]int
	decrements map[int64]int

	done bool
}

func newMemoryTx(store *MemoryAdapter) *memoryTx {
	return &memoryTx{
		store:      store,
		held:       make(map[int64]*catalogRow),
		orders:     make(map[int64]domain.Order),
		items:      make(map[int64]domain.OrderItem),
		increments: make(map[int64]int),
		decrements: make(map[int64]int),
	}
}

func (t *memoryTx) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	if t.done {
		return nil, errTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	order, ok := t.orderOf(orderID)
	if !ok {
		return nil, nil
	}
	order.Items = t.itemsOf(orderID)
	return &order, nil
}

func (t *memoryTx) CreateOrder(ctx context.Context, clientID int64, status domain.OrderStatus) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	if !status.Valid() {
		return 0, fmt.Errorf("invalid order status %q", status)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, ok := t.store.clients[clientID]; !ok {
		return 0, fmt.Errorf("client %d does not exist", clientID)
	}
	now := time.Now().UTC()
	order := domain.Order{
		ID:        t.store.nextID(),
		ClientID:  clientID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.orders[order.ID] = order
	return order.ID, nil
}

func (t *memoryTx) LockCatalogItem(ctx context.Context, catalogItemID int64) (*domain.CatalogItem, error) {
	if t.done {
		return nil, errTxDone
	}

	t.store.mu.Lock()
	row, ok := t.store.catalog[catalogItemID]
	t.store.mu.Unlock()
	if !ok {
		return nil, nil
	}

	if _, already := t.held[catalogItemID]; !already {
		timer := time.NewTimer(t.store.lockWait)
		defer timer.Stop()

		select {
		case row.lock <- struct{}{}:
			t.held[catalogItemID] = row
		case <-timer.C:
			return nil, port.ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	item := row.item
	item.Stock -= t.decrements[catalogItemID]
	return &item, nil
}

func (t *memoryTx) DecrementStock(ctx context.Context, catalogItemID int64, quantity int) error {
	if t.done {
		return errTxDone
	}
	row, ok := t.held[catalogItemID]
	if !ok {
		return errRowNotLocked
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if row.item.Stock-t.decrements[catalogItemID] < quantity {
		return errNegativeStock
	}
	t.decrements[catalogItemID] += quantity
	return nil
}

func (t *memoryTx) InsertOrderItem(ctx context.Context, item domain.OrderItem) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	if item.Quantity <= 0 {
		return 0, fmt.Errorf("order item quantity must be positive, got %d", item.Quantity)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, ok := t.orderOf(item.OrderID); !ok {
		return 0, fmt.Errorf("order %d does not exist", item.OrderID)
	}
	if _, ok := t.store.catalog[item.CatalogItemID]; !ok {
		return 0, fmt.Errorf("catalog item %d does not exist", item.CatalogItemID)
	}
	key := lineKey{orderID: item.OrderID, catalogItemID: item.CatalogItemID}
	if _, taken := t.store.lines[key]; taken {
		return 0, port.ErrDuplicateLineItem
	}

	item.ID = t.store.nextID()
	t.items[item.ID] = item
	t.store.lines[key] = t
	return item.ID, nil
}

func (t *memoryTx) IncrementOrderItemQuantity(ctx context.Context, itemID int64, delta int) error {
	if t.done {
		return errTxDone
	}
	if delta <= 0 {
		return fmt.Errorf("order item increment must be positive, got %d", delta)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if item, ok := t.items[itemID]; ok {
		item.Quantity += delta
		t.items[itemID] = item
		return nil
	}
	if _, ok := t.store.items[itemID]; !ok {
		return fmt.Errorf("order item %d does not exist", itemID)
	}
	// Applied as a delta at commit so a concurrent committed increment is kept.
	t.increments[itemID] += delta
	return nil
}

func (t *memoryTx) ListOrderItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	if t.done {
		return nil, errTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.itemsOf(orderID), nil
}

// orderOf must be called with store.mu held.
func (t *memoryTx) orderOf(orderID int64) (domain.Order, bool) {
	if order, ok := t.orders[orderID]; ok {
		return order, true
	}
	order, ok := t.store.orders[orderID]
	return order, ok
}

// itemsOf merges committed rows with this transaction's own pending writes.
// It must be called with store.mu held.
func (t *memoryTx) itemsOf(orderID int64) []domain.OrderItem {
	items := make([]domain.OrderItem, 0)
	for _, item := range t.store.items {
		if item.OrderID == orderID {
			item.Quantity += t.increments[item.ID]
			items = append(items, item)
		}
	}
	for _, item := range t.items {
		if item.OrderID == orderID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (t *memoryTx) commit() {
	if t.done {
		return
	}
	t.store.mu.Lock()
	now := time.Now().UTC()
	for id, order := range t.orders {
		t.store.orders[id] = order
	}
	for id, item := range t.items {
		t.store.items[id] = item
		t.store.lines[lineKey{orderID: item.OrderID, catalogItemID: item.CatalogItemID}] = nil
	}
	for id, delta := range t.increments {
		item := t.store.items[id]
		item.Quantity += delta
		t.store.items[id] = item
	}
	for id, quantity := range t.decrements {
		row := t.held[id]
		row.item.Stock -= quantity
		row.item.UpdatedAt = now
	}
	t.store.mu.Unlock()
	t.finish()
}

func (t *memoryTx) rollback() {
	if t.done {
		return
	}
	t.store.mu.Lock()
	t.releaseLines()
	t.store.mu.Unlock()
	t.finish()
}

// releaseLines drops the uniqueness claims of an aborted transaction.
// Must be called with store.mu held.
func (t *memoryTx) releaseLines() {
	for _, item := range t.items {
		key := lineKey{orderID: item.OrderID, catalogItemID: item.CatalogItemID}
		if t.store.lines[key] == t {
			delete(t.store.lines, key)
		}
	}
}

// finish releases row locks only after the writes are final.
func (t *memoryTx) finish() {
	if t.done {
		return
	}
	t.done = true
	for id, row := range t.held {
		<-row.lock
		delete(t.held, id)
	}
}
