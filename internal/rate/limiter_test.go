package rate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/campusdesk/authcore/cache"
)

func newLimiterTest(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(cache.New(rdb, cache.Options{Prefix: "t"}), cfg), mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestLoginLimitTripsAndResets(t *testing.T) {
	l, mr, done := newLimiterTest(t, Config{MaxLoginAttempts: 3, LoginWindow: time.Minute})
	defer done()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckLogin(ctx, "ada@campus.edu", ""); err != nil {
			t.Fatalf("attempt %d rejected early: %v", i+1, err)
		}
		if err := l.IncrementLogin(ctx, "ada@campus.edu", ""); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := l.CheckLogin(ctx, "ADA@campus.edu ", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	mr.FastForward(61 * time.Second)
	if err := l.CheckLogin(ctx, "ada@campus.edu", ""); err != nil {
		t.Fatalf("window did not expire: %v", err)
	}

	_ = l.IncrementLogin(ctx, "ada@campus.edu", "")
	if err := l.ResetLogin(ctx, "ada@campus.edu"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := l.LoginAttempts(ctx, "ada@campus.edu"); n != 0 {
		t.Fatalf("expected 0 attempts after reset, got %d", n)
	}
}

func TestLoginIPThrottle(t *testing.T) {
	l, _, done := newLimiterTest(t, Config{MaxLoginAttempts: 2, LoginWindow: time.Minute, EnableIPThrottle: true})
	defer done()
	ctx := context.Background()

	_ = l.IncrementLogin(ctx, "a@campus.edu", "203.0.113.7")
	_ = l.IncrementLogin(ctx, "b@campus.edu", "203.0.113.7")
	if err := l.CheckLogin(ctx, "c@campus.edu", "203.0.113.7"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected per-IP limit, got %v", err)
	}
	if err := l.CheckLogin(ctx, "c@campus.edu", "198.51.100.1"); err != nil {
		t.Fatalf("other IP limited: %v", err)
	}
}

func TestRefreshThrottle(t *testing.T) {
	l, _, done := newLimiterTest(t, Config{EnableRefreshThrottle: true, MaxRefreshAttempts: 2, RefreshWindow: time.Minute})
	defer done()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.CheckRefresh(ctx, "sid"); err != nil {
			t.Fatalf("refresh %d: %v", i+1, err)
		}
	}
	if err := l.CheckRefresh(ctx, "sid"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestCacheDownSurfacesUnavailable(t *testing.T) {
	l, mr, done := newLimiterTest(t, Config{MaxLoginAttempts: 3, LoginWindow: time.Minute})
	defer done()
	mr.Close()

	if err := l.CheckLogin(context.Background(), "ada@campus.edu", ""); !errors.Is(err, cache.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestIPBurst(t *testing.T) {
	b := NewIPBurst(1, 3, 16, time.Minute)
	for i := 0; i < 3; i++ {
		if !b.Allow("203.0.113.7") {
			t.Fatalf("request %d within burst rejected", i+1)
		}
	}
	if b.Allow("203.0.113.7") {
		t.Fatal("expected burst to be exhausted")
	}
	if !b.Allow("198.51.100.1") {
		t.Fatal("buckets are per IP")
	}
}

func TestIPBurstConcurrentFirstRequestsShareBucket(t *testing.T) {
	for round := 0; round < 50; round++ {
		b := NewIPBurst(0.001, 2, 16, time.Minute)
		var (
			allowed atomic.Int32
			wg      sync.WaitGroup
			start   = make(chan struct{})
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if b.Allow("203.0.113.7") {
					allowed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		if got := allowed.Load(); got != 2 {
			t.Fatalf("round %d: expected burst of 2 across concurrent first requests, got %d", round, got)
		}
	}
}
