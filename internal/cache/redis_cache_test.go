package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCache(rdb, ttl), mr
}

func TestRedisCache_StoreSent_Success(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, 10*time.Second)

	ctx := context.Background()
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := cache.StoreSent(ctx, "0190-abc", "remote-123", sentAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	key := "msg:0190-abc"

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got SentReceipt
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if got.ProviderMessageID != "remote-123" {
		t.Fatalf("expected ProviderMessageID %q, got %q", "remote-123", got.ProviderMessageID)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestRedisCache_StoreSent_OverwritesExistingValue(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	if err := cache.StoreSent(ctx, "m1", "first", time.Now()); err != nil {
		t.Fatalf("first StoreSent() error: %v", err)
	}
	if err := cache.StoreSent(ctx, "m1", "second", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("second StoreSent() error: %v", err)
	}

	got, err := cache.LookupSent(ctx, "m1")
	if err != nil {
		t.Fatalf("LookupSent() error: %v", err)
	}
	if got.ProviderMessageID != "second" {
		t.Fatalf("expected overwritten ProviderMessageID %q, got %q", "second", got.ProviderMessageID)
	}
}

func TestRedisCache_LookupSent_Miss(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Minute)

	_, err := cache.LookupSent(context.Background(), "nope")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestRedisCache_LookupSent_Expired(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, time.Second)
	ctx := context.Background()

	if err := cache.StoreSent(ctx, "m1", "p1", time.Now()); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := cache.LookupSent(ctx, "m1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestRedisCache_StoreSent_ContextCanceled(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreSent(ctx, "m1", "x", time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()

	var c MessageCache = Nop{}
	if err := c.StoreSent(context.Background(), "m1", "p1", time.Now()); err != nil {
		t.Fatalf("Nop.StoreSent() error: %v", err)
	}
	if _, err := c.LookupSent(context.Background(), "m1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss from Nop, got %v", err)
	}
}
