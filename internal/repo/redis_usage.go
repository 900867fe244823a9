package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisUsageCounter keeps per-client monthly counters in Redis. The
// check-and-increment runs as one Lua script, so concurrent senders for
// the same client cannot both take the last slot.
type RedisUsageCounter struct {
	rdb    *redis.Client
	prefix string
}

var _ UsageCounter = (*RedisUsageCounter)(nil)

func NewRedisUsageCounter(rdb *redis.Client) *RedisUsageCounter {
	return &RedisUsageCounter{rdb: rdb, prefix: "usage:"}
}

var luaIncrementBelow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
  redis.call('INCR', KEYS[1])
  return 1
end
return 0
`)

var luaDecrementFloor = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

func (c *RedisUsageCounter) key(clientID string) string { return c.prefix + clientID }

func (c *RedisUsageCounter) TryIncrement(ctx context.Context, clientID string, limit int) (bool, error) {
	res, err := luaIncrementBelow.Run(ctx, c.rdb, []string{c.key(clientID)}, limit).Int64()
	if err != nil {
		return false, fmt.Errorf("increment usage: %w", err)
	}
	return res == 1, nil
}

func (c *RedisUsageCounter) Decrement(ctx context.Context, clientID string) error {
	return luaDecrementFloor.Run(ctx, c.rdb, []string{c.key(clientID)}).Err()
}

func (c *RedisUsageCounter) Current(ctx context.Context, clientID string) (int, error) {
	n, err := c.rdb.Get(ctx, c.key(clientID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisUsageCounter) ResetAll(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
