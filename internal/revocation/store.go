// Package revocation records tokens that must be rejected before their natural expiry.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyPrefix namespaces revocation entries in the shared cache.
const KeyPrefix = "blacklist:"

const revokedValue = "true"

var (
	errMissingClient     = errors.New("revocation: redis client required")
	errMissingIdentifier = errors.New("revocation: token identifier required")
)

// RedisStoreConfig wires a RedisStore.
type RedisStoreConfig struct {
	Client redis.UniversalClient
	Logger *zap.Logger
}

// RedisStore keeps revocation entries in redis with store-managed expiry, so a
// revocation written by any node is visible to every node.
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore validates the configuration and returns a store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: cfg.Client, logger: logger}, nil
}

// Key returns the cache key for a token identifier.
func Key(identifier string) string {
	return KeyPrefix + identifier
}

// MarkRevoked records identifier as revoked for ttl. Repeating the call is
// harmless; a non-positive ttl means the token has already expired and nothing is written.
func (s *RedisStore) MarkRevoked(ctx context.Context, identifier string, ttl time.Duration) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return errMissingIdentifier
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, Key(identifier), revokedValue, ttl).Err(); err != nil {
		return fmt.Errorf("revocation: mark %s: %w", identifier, err)
	}
	s.logger.Debug("token revoked", zap.String("token_id", identifier), zap.Duration("ttl", ttl))
	return nil
}

// IsRevoked reports whether identifier has a live revocation entry. A missing
// entry means not revoked.
func (s *RedisStore) IsRevoked(ctx context.Context, identifier string) (bool, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return false, errMissingIdentifier
	}
	value, err := s.client.Get(ctx, Key(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revocation: lookup %s: %w", identifier, err)
	}
	return value == revokedValue, nil
}

// NewRedisClient opens a client from a redis:// URL and checks connectivity.
// The caller owns the client and closes it on shutdown.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("revocation: parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("revocation: ping redis: %w", err)
	}
	return client, nil
}
