package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNoOpRateLimiter(t *testing.T) {
	limiter := &NoOpRateLimiter{}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, err := limiter.Allow(ctx, "any-key")
		if err != nil {
			t.Errorf("Allow() error = %v, want nil", err)
		}
		if !allowed {
			t.Errorf("Allow() = false, want true")
		}
	}

	if err := limiter.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}

func TestNewRedisRateLimiter_InvalidURL(t *testing.T) {
	_, err := NewRedisRateLimiter("not-a-valid-url", 100, time.Minute)
	if err == nil {
		t.Error("NewRedisRateLimiter() with invalid URL should return error")
	}
}

func TestNewRedisRateLimiter_ConnectionFailed(t *testing.T) {
	_, err := NewRedisRateLimiter("redis://localhost:1", 100, time.Minute)
	if err == nil {
		t.Error("NewRedisRateLimiter() with unreachable Redis should return error")
	}
}

func newMiniredisLimiter(t *testing.T, limit int, window time.Duration) RateLimiter {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return newWithClient(client, limit, window)
}

func TestRedisRateLimiter_EnforcesLimit(t *testing.T) {
	limiter := newMiniredisLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "github")
		if err != nil {
			t.Fatalf("Allow() request %d error = %v", i+1, err)
		}
		if !allowed {
			t.Errorf("Allow() request %d = false, want true", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, "github")
	if err != nil {
		t.Fatalf("Allow() rate limit check error = %v", err)
	}
	if allowed {
		t.Error("Allow() request 6 = true, want false (should be rate limited)")
	}
}

func TestRedisRateLimiter_DifferentKeys(t *testing.T) {
	limiter := newMiniredisLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		for _, key := range []string{"github", "gitlab"} {
			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				t.Fatalf("Allow(%s) error = %v", key, err)
			}
			if !allowed {
				t.Errorf("Allow(%s) request %d = false, want true", key, i+1)
			}
		}
	}

	for _, key := range []string{"github", "gitlab"} {
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("Allow(%s) limit check error = %v", key, err)
		}
		if allowed {
			t.Errorf("Allow(%s) beyond limit = true, want false", key)
		}
	}
}
