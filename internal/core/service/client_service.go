package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/order-service/internal/core/domain"
	"github.com/rl1809/order-service/internal/port"
)

var ErrUnauthorized = errors.New("invalid api key")

const (
	apiKeyPrefix          = "gen_"
	maxNameLength         = 255
	maxAPIKeyAttempts     = 5
	defaultAPIKeyCacheTTL = 5 * time.Minute
)

type ClientService struct {
	repo     port.ClientRepository
	cache    port.CacheRepository
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewClientService builds the registration and credential service. cache
// may be nil, in which case every Authenticate call reaches repo.
func NewClientService(repo port.ClientRepository, cache port.CacheRepository, cacheTTL time.Duration, logger *zap.Logger) *ClientService {
	if cacheTTL <= 0 {
		cacheTTL = defaultAPIKeyCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Register creates a client and issues it a fresh API key.
func (s *ClientService) Register(ctx context.Context, name string, address *string) (domain.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return domain.Client{}, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidArgument, maxNameLength)
	}

	client := domain.Client{Name: name, Address: address}
	for attempt := 1; attempt <= maxAPIKeyAttempts; attempt++ {
		key, err := GenerateAPIKey()
		if err != nil {
			return domain.Client{}, err
		}
		client.APIKey = key

		id, err := s.repo.CreateClient(ctx, client)
		if errors.Is(err, port.ErrDuplicateAPIKey) {
			s.logger.Warn("api key collision, regenerating", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return domain.Client{}, fmt.Errorf("%w: create client: %w", ErrTransactionFailure, err)
		}

		client.ID = id
		s.logger.Info("client registered", zap.Int64("client_id", id))
		return client, nil
	}

	return domain.Client{}, fmt.Errorf("%w: could not allocate a unique api key", ErrTransactionFailure)
}

// Authenticate resolves an API key to the owning client's identifier.
func (s *ClientService) Authenticate(ctx context.Context, apiKey string) (int64, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return 0, ErrUnauthorized
	}

	if s.cache != nil {
		clientID, ok, err := s.cache.GetClientID(ctx, apiKey)
		if err != nil {
			s.logger.Warn("api key cache lookup failed", zap.Error(err))
		} else if ok {
			return clientID, nil
		}
	}

	client, err := s.repo.GetClientByAPIKey(ctx, apiKey)
	if err != nil {
		return 0, fmt.Errorf("%w: lookup api key: %w", ErrTransactionFailure, err)
	}
	if client == nil {
		return 0, ErrUnauthorized
	}

	if s.cache != nil {
		if err := s.cache.SetClientID(ctx, apiKey, client.ID, s.cacheTTL); err != nil {
			s.logger.Warn("api key cache store failed", zap.Int64("client_id", client.ID), zap.Error(err))
		}
	}
	return client.ID, nil
}

// Me returns the profile of an authenticated client.
func (s *ClientService) Me(ctx context.Context, clientID int64) (domain.Client, error) {
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, fmt.Errorf("%w: get client: %w", ErrTransactionFailure, err)
	}
	if client == nil {
		return domain.Client{}, fmt.Errorf("client %d: %w", clientID, ErrNotFound)
	}
	return *client, nil
}

// GenerateAPIKey returns "gen_" followed by 32 random lowercase hex digits.
func GenerateAPIKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + strings.ReplaceAll(id.String(), "-", ""), nil
}
