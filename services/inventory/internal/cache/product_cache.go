package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"go.uber.org/zap"
)

const defaultTTL = 10 * time.Minute

// ProductCache keeps product snapshots in redis under product:<id>. Redis
// failures are logged and reported as misses; they never fail the caller.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewProductCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ProductCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &ProductCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func Key(id uuid.UUID) string {
	return "product:" + id.String()
}

func (c *ProductCache) Get(ctx context.Context, id uuid.UUID) (*domain.Product, bool) {
	val, err := c.client.Get(ctx, Key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			mylogger.Warn(ctx, c.logger, "Product cache read failed", zap.String("product_id", id.String()), zap.Error(err))
		}

		return nil, false
	}

	var product domain.Product
	if err := json.Unmarshal(val, &product); err != nil {
		mylogger.Warn(ctx, c.logger, "Dropping undecodable cache entry", zap.String("product_id", id.String()), zap.Error(err))
		c.Evict(ctx, id)

		return nil, false
	}

	return &product, true
}

func (c *ProductCache) Set(ctx context.Context, product *domain.Product) {
	data, err := json.Marshal(product)
	if err != nil {
		mylogger.Warn(ctx, c.logger, "Product cache encode failed", zap.String("product_id", product.ID.String()), zap.Error(err))
		return
	}

	if err := c.client.Set(ctx, Key(product.ID), data, c.ttl).Err(); err != nil {
		mylogger.Warn(ctx, c.logger, "Product cache write failed", zap.String("product_id", product.ID.String()), zap.Error(err))
	}
}

func (c *ProductCache) Evict(ctx context.Context, ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, Key(id))
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		mylogger.Warn(ctx, c.logger, "Product cache eviction failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
