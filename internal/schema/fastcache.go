package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"connect/internal/constants"
	"connect/pkg/errors"
)

// FastCache is the shared front cache layer. Entries expire on TTL so a
// stale schema never outlives a registry update for long.
type FastCache interface {
	Get(ctx context.Context, key string) (*SchemaDefinition, error)
	Set(ctx context.Context, key string, def *SchemaDefinition, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) FastCache {
	return &RedisCache{client: client}
}

func SubjectKey(subject string) string {
	return constants.CacheKeyPrefixSchema + "subject:" + subject
}

func SchemaIDKey(schemaID int) string {
	return fmt.Sprintf("%sid:%d", constants.CacheKeyPrefixSchema, schemaID)
}

func (c *RedisCache) Get(ctx context.Context, key string) (*SchemaDefinition, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound.WithDetail("message", fmt.Sprintf("no cached schema at %s", key))
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var def SchemaDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached schema: %w", err)
	}
	return &def, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, def *SchemaDefinition, ttl time.Duration) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
