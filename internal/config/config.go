package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorageDriverMySQL  = "mysql"
	StorageDriverMemory = "memory"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultGRPCAddr        = ":50051"
	defaultMySQLDSN        = "root:root@tcp(localhost:3306)/orders?parseTime=true"
	defaultMaxOpenConns    = 50
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
	defaultLockWaitTimeout = 5 * time.Second
	defaultRedisAddr       = "localhost:6379"
	defaultRedisPoolSize   = 100
	defaultAPIKeyCacheTTL  = 5 * time.Minute
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultKafkaTopic      = "orders.item-added"
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 5 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultOTelServiceName = "order-service"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects and tunes the relational store.
type StorageConfig struct {
	Driver          string
	MySQLDSN        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockWaitTimeout time.Duration
}

// RedisConfig configures the credential cache and idempotency keys. An empty
// Addr disables both.
type RedisConfig struct {
	Addr     string
	PoolSize int
}

// KafkaConfig configures item-added event publication. No brokers, no events.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type TelemetryConfig struct {
	LogLevel     string
	OTelEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeyCacheTTL time.Duration
	IdempotencyTTL time.Duration
}

// ValidationError is returned when configuration values are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	lookup func(string) (string, bool)
}

// WithEnvMap makes Load read from the supplied map instead of the process environment.
func WithEnvMap(env map[string]string) Option {
	return func(o *loaderOptions) {
		o.lookup = func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		}
	}
}

// Load reads configuration from the environment, applying defaults for
// unset keys.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	r := reader{lookup: options.lookup}
	cfg := Config{
		Server: ServerConfig{
			HTTPAddr:        r.stringValue("HTTP_ADDR", defaultHTTPAddr),
			GRPCAddr:        r.stringValue("GRPC_ADDR", defaultGRPCAddr),
			RequestTimeout:  r.durationValue("REQUEST_TIMEOUT", defaultRequestTimeout),
			ShutdownTimeout: r.durationValue("SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(r.stringValue("STORAGE_DRIVER", StorageDriverMySQL)),
			MySQLDSN:        r.stringValue("MYSQL_DSN", defaultMySQLDSN),
			MaxOpenConns:    r.intValue("DB_MAX_OPEN_CONNS", defaultMaxOpenConns),
			MaxIdleConns:    r.intValue("DB_MAX_IDLE_CONNS", defaultMaxIdleConns),
			ConnMaxLifetime: r.durationValue("DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
			LockWaitTimeout: r.durationValue("DB_LOCK_WAIT_TIMEOUT", defaultLockWaitTimeout),
		},
		Redis: RedisConfig{
			Addr:     r.optionalStringValue("REDIS_ADDR", defaultRedisAddr),
			PoolSize: r.intValue("REDIS_POOL_SIZE", defaultRedisPoolSize),
		},
		Kafka: KafkaConfig{
			Brokers: r.listValue("KAFKA_BROKERS"),
			Topic:   r.stringValue("KAFKA_TOPIC", defaultKafkaTopic),
		},
		Telemetry: TelemetryConfig{
			LogLevel:     r.stringValue("LOG_LEVEL", defaultLogLevel),
			OTelEndpoint: r.stringValue("OTEL_ENDPOINT", ""),
			ServiceName:  r.stringValue("OTEL_SERVICE_NAME", defaultOTelServiceName),
		},
		Auth: AuthConfig{
			APIKeyCacheTTL: r.durationValue("API_KEY_CACHE_TTL", defaultAPIKeyCacheTTL),
			IdempotencyTTL: r.durationValue("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if err := cfg.validate(r.invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate(invalid []string) error {
	fields := append([]string(nil), invalid...)

	switch c.Storage.Driver {
	case StorageDriverMySQL:
		if c.Storage.MySQLDSN == "" {
			fields = append(fields, "MYSQL_DSN")
		}
	case StorageDriverMemory:
	default:
		fields = append(fields, "STORAGE_DRIVER")
	}
	if c.Storage.LockWaitTimeout <= 0 {
		fields = append(fields, "DB_LOCK_WAIT_TIMEOUT")
	}
	if c.Storage.MaxOpenConns <= 0 {
		fields = append(fields, "DB_MAX_OPEN_CONNS")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		fields = append(fields, "KAFKA_TOPIC")
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

// reader collects keys whose values fail to parse.
type reader struct {
	lookup  func(string) (string, bool)
	invalid []string
}

func (r *reader) raw(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *reader) stringValue(key, fallback string) string {
	if value, ok := r.raw(key); ok {
		return value
	}
	return fallback
}

// optionalStringValue treats a key that is set but empty as an explicit opt-out.
func (r *reader) optionalStringValue(key, fallback string) string {
	value, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func (r *reader) intValue(key string, fallback int) int {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return n
}

func (r *reader) durationValue(key string, fallback time.Duration) time.Duration {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return d
}

func (r *reader) listValue(key string) []string {
	value, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
