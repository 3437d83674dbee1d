package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/port"
)

// MySQL server error numbers the adapter translates.
const (
	errNumDuplicateEntry  = 1062
	errNumLockWaitTimeout = 1205
	errNumDeadlock        = 1213
)

type MySQLAdapter struct {
	db       *sql.DB
	lockWait time.Duration
}

// NewMySQLAdapter wraps an open pool. lockWait bounds how long a transaction
// waits for a row lock; MySQL only accepts whole seconds, so it is rounded up.
func NewMySQLAdapter(db *sql.DB, lockWait time.Duration) *MySQLAdapter {
	if lockWait <= 0 {
		lockWait = defaultLockWaitTimeout
	}
	return &MySQLAdapter{db: db, lockWait: lockWait}
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn port.TxFunc) (err error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit: %w", translateErr(commitErr))
		}
	}()

	seconds := int(math.Ceil(m.lockWait.Seconds()))
	if _, err = tx.ExecContext(ctx, `SET SESSION innodb_lock_wait_timeout = ?`, seconds); err != nil {
		return fmt.Errorf("set lock wait timeout: %w", err)
	}

	return fn(ctx, &mysqlTx{tx: tx})
}

func (m *MySQLAdapter) CreateClient(ctx context.Context, client domain.Client) (int64, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO clients (name, address, api_key, created_at)
		VALUES (?, ?, ?, NOW())`,
		client.Name, client.Address, client.APIKey,
	)
	if err != nil {
		if isMySQLError(err, errNumDuplicateEntry) {
			return 0, port.ErrDuplicateAPIKey
		}
		return 0, fmt.Errorf("insert client: %w", err)
	}
	return result.LastInsertId()
}

func (m *MySQLAdapter) GetClientByAPIKey(ctx context.Context, apiKey string) (*domain.Client, error) {
	return m.scanClient(m.db.QueryRowContext(ctx, `
		SELECT id, name, address, api_key, created_at
		FROM clients WHERE api_key = ?`, apiKey,
	))
}

func (m *MySQLAdapter) GetClient(ctx context.Context, clientID int64) (*domain.Client, error) {
	return m.scanClient(m.db.QueryRowContext(ctx, `
		SELECT id, name, address, api_key, created_at
		FROM clients WHERE id = ?`, clientID,
	))
}

func (m *MySQLAdapter) scanClient(row *sql.Row) (*domain.Client, error) {
	var (
		client  domain.Client
		address sql.NullString
	)
	err := row.Scan(&client.ID, &client.Name, &address, &client.APIKey, &client.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query client: %w", err)
	}
	if address.Valid {
		client.Address = &address.String
	}
	return &client, nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	var order domain.Order
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, client_id, status, created_at, updated_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&order.ID, &order.ClientID, &order.Status, &order.CreatedAt, &order.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", translateErr(err))
	}

	order.Items, err = t.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *mysqlTx) CreateOrder(ctx context.Context, clientID int64, status domain.OrderStatus) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (client_id, status, created_at, updated_at)
		VALUES (?, ?, NOW(), NOW())`,
		clientID, status,
	)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", translateErr(err))
	}
	return result.LastInsertId()
}

func (t *mysqlTx) LockCatalogItem(ctx context.Context, catalogItemID int64) (*domain.CatalogItem, error) {
	var item domain.CatalogItem
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, sku, name, price, quantity, created_at, updated_at
		FROM catalog_items WHERE id = ?
		FOR UPDATE`, catalogItemID,
	).Scan(&item.ID, &item.SKU, &item.Name, &item.Price, &item.Stock, &item.CreatedAt, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock catalog item: %w", translateErr(err))
	}
	return &item, nil
}

func (t *mysqlTx) DecrementStock(ctx context.Context, catalogItemID int64, quantity int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE catalog_items
		SET quantity = quantity - ?, updated_at = NOW()
		WHERE id = ? AND quantity >= ?`,
		quantity, catalogItemID, quantity,
	)
	if err != nil {
		return fmt.Errorf("update catalog item: %w", translateErr(err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errNegativeStock
	}
	return nil
}

func (t *mysqlTx) InsertOrderItem(ctx context.Context, item domain.OrderItem) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_items (order_id, catalog_item_id, quantity, price_at_order)
		VALUES (?, ?, ?, ?)`,
		item.OrderID, item.CatalogItemID, item.Quantity, item.UnitPrice,
	)
	if err != nil {
		if isMySQLError(err, errNumDuplicateEntry) {
			return 0, fmt.Errorf("%w: %w", port.ErrDuplicateLineItem, err)
		}
		return 0, fmt.Errorf("insert order item: %w", translateErr(err))
	}
	return result.LastInsertId()
}

func (t *mysqlTx) IncrementOrderItemQuantity(ctx context.Context, itemID int64, delta int) error {
	if delta <= 0 {
		return fmt.Errorf("order item increment must be positive, got %d", delta)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE order_items SET quantity = quantity + ? WHERE id = ?`,
		delta, itemID,
	)
	if err != nil {
		return fmt.Errorf("increment order item: %w", translateErr(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment order item: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("order item %d does not exist", itemID)
	}
	return nil
}

func (t *mysqlTx) ListOrderItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, order_id, catalog_item_id, quantity, price_at_order
		FROM order_items WHERE order_id = ?
		ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", translateErr(err))
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.CatalogItemID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", translateErr(err))
	}
	return items, nil
}

// translateErr maps lock-related server errors onto the port sentinels and
// keeps the driver error in the chain.
func translateErr(err error) error {
	switch {
	case isMySQLError(err, errNumLockWaitTimeout):
		return fmt.Errorf("%w: %w", port.ErrLockTimeout, err)
	case isMySQLError(err, errNumDeadlock):
		return fmt.Errorf("%w: %w", port.ErrDeadlock, err)
	}
	return err
}

func isMySQLError(err error, number uint16) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == number
}
