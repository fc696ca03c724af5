package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const metadataKeyPrefix = "nft:"

// MetadataCache keeps fetched metadata by mint. Lookups never fail; a broken
// cache behaves as a miss.
type MetadataCache interface {
	Get(ctx context.Context, mint string) (*NftMetadata, bool)
	Set(ctx context.Context, mint string, metadata *NftMetadata)
}

type memoryMetadataCache struct {
	items *cache.Cache
}

func NewMemoryMetadataCache(ttl time.Duration) MetadataCache {
	return &memoryMetadataCache{items: cache.New(ttl, 2*ttl)}
}

func (c *memoryMetadataCache) Get(_ context.Context, mint string) (*NftMetadata, bool) {
	value, ok := c.items.Get(mint)
	if !ok {
		return nil, false
	}
	metadata, ok := value.(*NftMetadata)
	return metadata, ok
}

func (c *memoryMetadataCache) Set(_ context.Context, mint string, metadata *NftMetadata) {
	c.items.Set(mint, metadata, cache.DefaultExpiration)
}

type redisMetadataCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisMetadataCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) MetadataCache {
	return &redisMetadataCache{client: client, ttl: ttl, logger: logger}
}

func (c *redisMetadataCache) Get(ctx context.Context, mint string) (*NftMetadata, bool) {
	raw, err := c.client.Get(ctx, metadataKeyPrefix+mint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("metadata cache read failed", "mint", mint, "err", err)
		return nil, false
	}
	var metadata NftMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		c.logger.Warn("metadata cache entry corrupt", "mint", mint, "err", err)
		return nil, false
	}
	return &metadata, true
}

func (c *redisMetadataCache) Set(ctx context.Context, mint string, metadata *NftMetadata) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, metadataKeyPrefix+mint, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("metadata cache write failed", "mint", mint, "err", err)
	}
}

// OpenMetadataCache returns a redis-backed cache when redisURL is set and an
// in-process one otherwise. The returned close func is never nil.
func OpenMetadataCache(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (MetadataCache, func() error, error) {
	if redisURL == "" {
		return NewMemoryMetadataCache(ttl), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisMetadataCache(client, ttl, logger), client.Close, nil
}
