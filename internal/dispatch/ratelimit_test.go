package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiterTest(t *testing.T, limit int, window time.Duration) *WindowLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewWindowLimiter(rdb, limit, window)
}

func TestWindowLimiterCapsWindow(t *testing.T) {
	limiter := setupLimiterTest(t, 5, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.Allow(ctx); err != nil {
			t.Fatalf("Allow() #%d error = %v, want nil", i+1, err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(ctx); !errors.Is(err, ErrRateLimited) {
			t.Errorf("Allow() over limit error = %v, want ErrRateLimited", err)
		}
	}
}

func TestWindowLimiterRedisDownIsError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewWindowLimiter(rdb, 5, time.Second)
	mr.Close()

	err = limiter.Allow(context.Background())
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Errorf("Allow() with redis down = %v, want transport error", err)
	}
}
