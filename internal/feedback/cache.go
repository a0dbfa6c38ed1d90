package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/pagination"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCachePrefix = "feedback:list"
	defaultCacheTTL    = 60 * time.Second
)

// ListCache stores serialized list pages.
type ListCache interface {
	Get(ctx context.Context, request pagination.Request) ([]byte, bool, error)
	Set(ctx context.Context, request pagination.Request, payload []byte) error
	Invalidate(ctx context.Context) error
}

// RedisListCache keys pages by a generation counter; bumping the counter on
// writes orphans every cached page, which then expires on its own.
type RedisListCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisListCache constructs a cache; zero ttl selects one minute.
func NewRedisListCache(client redis.UniversalClient, ttl time.Duration) *RedisListCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisListCache{client: client, prefix: defaultCachePrefix, ttl: ttl}
}

func (c *RedisListCache) generationKey() string {
	return c.prefix + ":generation"
}

func (c *RedisListCache) pageKey(ctx context.Context, request pagination.Request) (string, error) {
	generation, err := c.client.Get(ctx, c.generationKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	normalized := request.Normalize()
	return fmt.Sprintf("%s:g%d:p%d:l%d", c.prefix, generation, normalized.Page, normalized.Limit), nil
}

func (c *RedisListCache) Get(ctx context.Context, request pagination.Request) ([]byte, bool, error) {
	key, err := c.pageKey(ctx, request)
	if err != nil {
		return nil, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (c *RedisListCache) Set(ctx context.Context, request pagination.Request, payload []byte) error {
	key, err := c.pageKey(ctx, request)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}

func (c *RedisListCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, c.generationKey()).Err()
}
