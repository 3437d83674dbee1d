package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/order-service/internal/adapter/handler"
	"github.com/rl1809/order-service/internal/adapter/messaging"
	"github.com/rl1809/order-service/internal/adapter/storage"
	"github.com/rl1809/order-service/internal/config"
	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/core/service"
	"github.com/rl1809/order-service/internal/observability"
	"github.com/rl1809/order-service/internal/port"
)

// store is what both storage drivers provide.
type store interface {
	port.Transactor
	port.ClientRepository
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "order-service: %v\n", err)
		os.Exit(1)
	}
}

func run(opts ...config.Option) error {
	cfg, err := config.Load(opts...)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry.OTelEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	// Deferred cleanups run in reverse, so tracing flushes after everything
	// else has closed, on error returns as well as on shutdown.
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("shutdown tracing", zap.Error(err))
		}
	}()

	// Initialize storage
	db, st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	// cache stays a nil interface when Redis is disabled.
	var cache port.CacheRepository
	orderOpts := []service.Option{service.WithLogger(logger)}

	// Initialize Redis
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

		redisAdapter := storage.NewRedisAdapter(rdb)
		cache = redisAdapter
		orderOpts = append(orderOpts, service.WithCache(redisAdapter, cfg.Auth.IdempotencyTTL))
	} else {
		logger.Warn("redis disabled: api key cache and idempotency keys are off")
	}

	// Initialize Kafka
	var publisher *messaging.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("close kafka writer", zap.Error(err))
			}
		}()
		orderOpts = append(orderOpts, service.WithEventPublisher(publisher))
		logger.Info("publishing item added events",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	// Initialize services
	orderService := service.NewOrderService(st, orderOpts...)
	clientService := service.NewClientService(st, cache, cfg.Auth.APIKeyCacheTTL, logger)

	// Initialize gRPC server
	grpcHandler := handler.NewGRPCHandler(orderService, clientService, logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcHandler.AuthInterceptor))
	handler.RegisterOrderServiceServer(grpcServer, grpcHandler)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(orderService, clientService, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpHandler.Router(cfg.Server.RequestTimeout),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	// Graceful shutdown
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	return runErr
}

// openStore returns the configured store. db is nil for the memory driver.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*sql.DB, store, error) {
	if cfg.Driver == config.StorageDriverMemory {
		mem := storage.NewMemoryAdapter(cfg.LockWaitTimeout)
		seedCatalog(mem, logger)
		return nil, mem, nil
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("connected to mysql", zap.Int("max_open_conns", cfg.MaxOpenConns))

	return db, storage.NewMySQLAdapter(db, cfg.LockWaitTimeout), nil
}

func seedCatalog(mem *storage.MemoryAdapter, logger *zap.Logger) {
	items := []domain.CatalogItem{
		{SKU: "LAPTOP-001", Name: "Laptop", Price: decimal.RequireFromString("999.99"), Stock: 100},
		{SKU: "MOUSE-001", Name: "Wireless Mouse", Price: decimal.RequireFromString("25.50"), Stock: 500},
		{SKU: "MONITOR-001", Name: "27in Monitor", Price: decimal.RequireFromString("349.00"), Stock: 20},
	}
	for _, item := range items {
		id := mem.PutCatalogItem(item)
		logger.Info("seeded catalog item", zap.Int64("id", id), zap.String("sku", item.SKU), zap.Int("stock", item.Stock))
	}
}
