package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketCapsPublishesPerUser(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.AllowUser(ctx, "user-1")
	if err != nil || !allowed {
		t.Fatalf("expected first publish allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.AllowUser(ctx, "user-1")
	if !allowed {
		t.Fatalf("expected second publish allowed")
	}
	allowed, _, _ = bucket.AllowUser(ctx, "user-1")
	if allowed {
		t.Fatalf("expected third publish to be rejected")
	}

	// A different user has their own bucket.
	allowed, _, _ = bucket.AllowUser(ctx, "user-2")
	if !allowed {
		t.Fatalf("expected separate bucket for second user")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
