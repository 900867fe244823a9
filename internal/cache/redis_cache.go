package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func sentKey(messageID string) string {
	return fmt.Sprintf("msg:%s", messageID)
}

func (c *RedisCache) StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error {
	b, err := json.Marshal(SentReceipt{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(messageID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, messageID string) (SentReceipt, error) {
	raw, err := c.rdb.Get(ctx, sentKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentReceipt{}, ErrMiss
	}
	if err != nil {
		return SentReceipt{}, err
	}

	var r SentReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return SentReceipt{}, fmt.Errorf("decode sent receipt %s: %w", messageID, err)
	}
	return r, nil
}
