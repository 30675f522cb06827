package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter is a fixed-window counter keyed by caller identity. Used on the
// webhook listener to keep a misbehaving provider from flooding the store.
type RateLimiter struct {
	client *Client
}

func NewRateLimiter(client *Client) *RateLimiter {
	return &RateLimiter{client: client}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, err
	}

	if count == 1 {
		err = r.client.Expire(ctx, key, window)
		if err != nil {
			return false, err
		}
	}

	if count > int64(limit) {
		return false, nil
	}

	return true, nil
}

func WebhookKey(remoteAddr string) string {
	return fmt.Sprintf("rate_limit:webhook:%s", remoteAddr)
}
