package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// GetClientID returns the cached client for an API key, ok=false on miss
	GetClientID(ctx context.Context, apiKey string) (clientID int64, ok bool, err error)

	// SetClientID caches the credential lookup for ttl
	SetClientID(ctx context.Context, apiKey string, clientID int64, ttl time.Duration) error

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// ReleaseIdempotency removes the key if it is still held by token, so a
	// failed request can be retried
	ReleaseIdempotency(ctx context.Context, key, token string) error
}
