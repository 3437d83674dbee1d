package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/port"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("order belongs to another client")
	ErrLifecycleLocked    = errors.New("order is locked for modification")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrTransactionFailure = errors.New("transaction failed")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrDuplicateRequest   = errors.New("duplicate request")
)

const (
	tracerName            = "github.com/rl1809/order-service/internal/core/service"
	defaultIdempotencyTTL = 24 * time.Hour
)

type OrderService struct {
	tx             port.Transactor
	cache          port.CacheRepository
	events         port.EventPublisher
	logger         *zap.Logger
	tracer         trace.Tracer
	idempotencyTTL time.Duration
	now            func() time.Time
}

type Option func(*OrderService)

// WithCache enables Idempotency-Key handling backed by cache.
func WithCache(cache port.CacheRepository, ttl time.Duration) Option {
	return func(s *OrderService) {
		s.cache = cache
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

func WithEventPublisher(events port.EventPublisher) Option {
	return func(s *OrderService) { s.events = events }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *OrderService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewOrderService(tx port.Transactor, opts ...Option) *OrderService {
	s := &OrderService{
		tx:             tx,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(tracerName),
		idempotencyTTL: defaultIdempotencyTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddItemCommand carries one add-item request. ClientID is the identity
// already resolved from the caller's credential.
type AddItemCommand struct {
	OrderID        int64
	ClientID       int64
	CatalogItemID  int64
	Quantity       int
	IdempotencyKey string
}

// AddItem adds cmd.Quantity units of a catalog item to an order inside a
// single transaction and returns the resulting order view.
func (s *OrderService) AddItem(ctx context.Context, cmd AddItemCommand) (view domain.OrderView, err error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.AddItem", trace.WithAttributes(
		attribute.Int64("order.id", cmd.OrderID),
		attribute.Int64("client.id", cmd.ClientID),
		attribute.Int64("catalog_item.id", cmd.CatalogItemID),
		attribute.Int("quantity", cmd.Quantity),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if cmd.Quantity <= 0 {
		return domain.OrderView{}, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidArgument, cmd.Quantity)
	}

	if cmd.IdempotencyKey != "" && s.cache != nil {
		release, claimErr := s.claimIdempotency(ctx, cmd)
		if claimErr != nil {
			return domain.OrderView{}, claimErr
		}
		defer func() {
			if err != nil {
				release()
			}
		}()
	}

	var order *domain.Order
	err = s.tx.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var txErr error
		order, txErr = addItem(ctx, tx, cmd)
		return txErr
	})
	if err = classify(err); err != nil {
		s.logAddItemFailure(cmd, err)
		return domain.OrderView{}, err
	}

	view = domain.NewOrderView(*order)
	s.logger.Info("item added to order",
		zap.Int64("order_id", cmd.OrderID),
		zap.Int64("client_id", cmd.ClientID),
		zap.Int64("catalog_item_id", cmd.CatalogItemID),
		zap.Int("quantity", cmd.Quantity),
		zap.String("order_total", view.TotalAmount.StringFixed(2)),
	)
	s.publishItemAdded(ctx, cmd, *order, view)

	return view, nil
}

// GetOrder returns the order view if clientID owns the order.
func (s *OrderService) GetOrder(ctx context.Context, orderID, clientID int64) (domain.OrderView, error) {
	var order *domain.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var txErr error
		order, txErr = loadOwnedOrder(ctx, tx, orderID, clientID)
		return txErr
	})
	if err = classify(err); err != nil {
		return domain.OrderView{}, err
	}
	return domain.NewOrderView(*order), nil
}

// CreateOrder opens an empty order in the created state for clientID.
func (s *OrderService) CreateOrder(ctx context.Context, clientID int64) (domain.OrderView, error) {
	var orderID int64
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var txErr error
		orderID, txErr = tx.CreateOrder(ctx, clientID, domain.OrderStatusCreated)
		return txErr
	})
	if err = classify(err); err != nil {
		return domain.OrderView{}, err
	}

	s.logger.Info("order created", zap.Int64("order_id", orderID), zap.Int64("client_id", clientID))
	return domain.NewOrderView(domain.Order{
		ID:       orderID,
		ClientID: clientID,
		Status:   domain.OrderStatusCreated,
	}), nil
}

func (s *OrderService) claimIdempotency(ctx context.Context, cmd AddItemCommand) (func(), error) {
	key := fmt.Sprintf("idempotency:%d:%s", cmd.ClientID, cmd.IdempotencyKey)
	token := uuid.NewString()

	ok, err := s.cache.SetIdempotency(ctx, key, token, s.idempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, ErrDuplicateRequest
	}

	return func() {
		// The request context may already be gone; the release must still land.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.cache.ReleaseIdempotency(releaseCtx, key, token); err != nil {
			s.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *OrderService) publishItemAdded(ctx context.Context, cmd AddItemCommand, order domain.Order, view domain.OrderView) {
	if s.events == nil {
		return
	}
	item, ok := order.ItemFor(cmd.CatalogItemID)
	if !ok {
		return
	}

	event := domain.ItemAddedEvent{
		OrderID:       order.ID,
		ClientID:      order.ClientID,
		CatalogItemID: cmd.CatalogItemID,
		Quantity:      cmd.Quantity,
		UnitPrice:     item.UnitPrice,
		OrderTotal:    view.TotalAmount,
		OccurredAt:    s.now().UTC(),
	}
	if err := s.events.PublishItemAdded(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("failed to publish item added event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func (s *OrderService) logAddItemFailure(cmd AddItemCommand, err error) {
	fields := []zap.Field{
		zap.Int64("order_id", cmd.OrderID),
		zap.Int64("client_id", cmd.ClientID),
		zap.Int64("catalog_item_id", cmd.CatalogItemID),
		zap.Int("quantity", cmd.Quantity),
		zap.Error(err),
	}
	if errors.Is(err, ErrTransactionFailure) {
		s.logger.Error("add item transaction failed", fields...)
		return
	}
	s.logger.Warn("add item rejected", fields...)
}

// classify keeps business errors as they are and folds every other failure
// (driver faults, lock timeouts, deadlocks, cancellation) into
// ErrTransactionFailure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrForbidden, ErrLifecycleLocked, ErrInsufficientStock, ErrInvalidArgument} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrTransactionFailure, err)
}
