package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:ratelimit", 2, time.Hour)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "ip-2") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow(context.Background(), "ip-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterValidatesArguments(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected constructor error for nil client")
	}
	if _, err := NewMemoryFixedWindowLimiter(0, time.Second); err == nil {
		t.Fatalf("expected constructor error for zero limit")
	}
}

func TestMemoryFixedWindowLimiter(t *testing.T) {
	limiter, err := NewMemoryFixedWindowLimiter(1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	ctx := context.Background()
	// Align to the start of a window so both calls share it.
	time.Sleep(time.Duration(50-time.Now().UnixMilli()%50) * time.Millisecond)
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("first request should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("second request should be blocked")
	}
	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("next window should reset quota")
	}
}
