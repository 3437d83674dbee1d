package port

import (
	"context"
	"errors"

	"github.com/rl1809/order-service/internal/core/domain"
)

var (
	// ErrLockTimeout is returned when a row lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrDeadlock is returned when the store aborted the transaction to break a deadlock.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrDuplicateLineItem is the (order, catalog item) uniqueness backstop.
	ErrDuplicateLineItem = errors.New("duplicate line item")
)

// TxFunc is the unit of work executed inside one storage transaction.
type TxFunc func(ctx context.Context, tx Tx) error

type Transactor interface {
	// WithinTx commits when fn returns nil and rolls back on error, panic or
	// context cancellation. Row locks taken through tx are released by that
	// commit or rollback and never earlier.
	WithinTx(ctx context.Context, fn TxFunc) error
}

// Tx is the set of reads and writes available inside a transaction.
// Lookups return (nil, nil) when the row does not exist.
type Tx interface {
	// GetOrder loads an order together with its line items.
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)

	// CreateOrder inserts an empty order and returns its identifier.
	CreateOrder(ctx context.Context, clientID int64, status domain.OrderStatus) (int64, error)

	// LockCatalogItem reads one catalog item and holds an exclusive lock on
	// its row until the transaction ends.
	LockCatalogItem(ctx context.Context, catalogItemID int64) (*domain.CatalogItem, error)

	// DecrementStock lowers the stock of a row previously locked in this transaction.
	DecrementStock(ctx context.Context, catalogItemID int64, quantity int) error

	// InsertOrderItem adds a new line item and returns its identifier.
	InsertOrderItem(ctx context.Context, item domain.OrderItem) (int64, error)

	// IncrementOrderItemQuantity adds delta to the stored quantity of an
	// existing line item. The addition happens in the store, never from a
	// quantity the caller read earlier.
	IncrementOrderItemQuantity(ctx context.Context, itemID int64, delta int) error

	// ListOrderItems returns the line items of an order ordered by insertion.
	ListOrderItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error)
}

type ClientRepository interface {
	// CreateClient persists a client; returns ErrDuplicateAPIKey on key collision.
	CreateClient(ctx context.Context, client domain.Client) (int64, error)

	// GetClientByAPIKey resolves a credential to its client, nil when unknown.
	GetClientByAPIKey(ctx context.Context, apiKey string) (*domain.Client, error)

	// GetClient retrieves a client by ID, nil when unknown.
	GetClient(ctx context.Context, clientID int64) (*domain.Client, error)
}

// ErrDuplicateAPIKey reports a credential collision on insert.
var ErrDuplicateAPIKey = errors.New("duplicate api key")
