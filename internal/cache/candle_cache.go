// Package cache keeps the most recent sealed candle per instrument and
// interval in Redis, so API consumers read the hot path without touching
// ClickHouse.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"marketfeed/internal/models"
)

// ErrCacheMiss is returned when no candle is cached for the key.
var ErrCacheMiss = fmt.Errorf("cache: miss")

// CandleCache stores the latest candle under
// "candle:latest:{security_id}:{interval}".
type CandleCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCandleCache(client *redis.Client, ttl time.Duration) *CandleCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CandleCache{client: client, ttl: ttl}
}

func latestKey(securityID uint32, interval string) string {
	return fmt.Sprintf("candle:latest:%d:%s", securityID, interval)
}

// SetLatest caches a sealed candle, replacing the previous one.
func (c *CandleCache) SetLatest(ctx context.Context, candle *models.Candle) error {
	data, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}
	return c.client.Set(ctx, latestKey(candle.SecurityID, candle.Interval), data, c.ttl).Err()
}

// GetLatest returns the cached candle or ErrCacheMiss.
func (c *CandleCache) GetLatest(ctx context.Context, securityID uint32, interval string) (*models.Candle, error) {
	data, err := c.client.Get(ctx, latestKey(securityID, interval)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var candle models.Candle
	if err := json.Unmarshal(data, &candle); err != nil {
		return nil, fmt.Errorf("unmarshal cached candle: %w", err)
	}
	return &candle, nil
}
