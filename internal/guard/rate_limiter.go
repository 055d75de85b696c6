package guard

import (
	"context"
	"fmt"
	"time"

	"marketfeed/internal/metrics"
	"marketfeed/internal/store"
)

// RateLimiter enforces a fixed-window request budget shared across the
// fleet. The window is keyed in the store, so every worker draws from the
// same allowance.
type RateLimiter struct {
	kv store.KV
}

func NewRateLimiter(kv store.KV) *RateLimiter {
	return &RateLimiter{kv: kv}
}

// Attempt consumes one slot under key. It reports false when the window's
// budget is already spent; the counter still advances so the window
// boundary stays fixed from the first request.
func (rl *RateLimiter) Attempt(ctx context.Context, key string, max int64, window time.Duration) (bool, error) {
	n, err := rl.kv.IncrWindow(ctx, "ratelimit:"+key, window)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if n > max {
		metrics.RateLimitRejections.WithLabelValues(key).Inc()
		return false, nil
	}
	return true, nil
}
