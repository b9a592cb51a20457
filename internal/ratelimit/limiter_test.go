package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func fakeClock(start time.Time) (Clock, func(time.Duration)) {
	current := start
	clock := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return clock, advance
}

func TestLimiterExhaustsQuota(t *testing.T) {
	ctx := context.Background()
	clock, _ := fakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	const limit = 30
	limiter := NewLimiter(NewMemoryStore(), map[string]int{"default": limit}, clock)

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "1.2.3.4", "default")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("Allow #%d = false, want true", i+1)
		}
		if err := limiter.Record(ctx, "1.2.3.4", "default"); err != nil {
			t.Fatalf("Record #%d: %v", i+1, err)
		}
	}

	allowed, err := limiter.Allow(ctx, "1.2.3.4", "default")
	if err != nil {
		t.Fatalf("Allow after limit: %v", err)
	}
	if allowed {
		t.Errorf("request %d allowed, want denied", limit+1)
	}
}

func TestLimiterWindowReset(t *testing.T) {
	ctx := context.Background()
	clock, advance := fakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	store := NewMemoryStore()
	limiter := NewLimiter(store, map[string]int{"pro": 1}, clock)

	if err := limiter.Record(ctx, "c", "pro"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if allowed, _ := limiter.Allow(ctx, "c", "pro"); allowed {
		t.Fatal("quota should be exhausted")
	}

	advance(Window + time.Second)

	allowed, err := limiter.Allow(ctx, "c", "pro")
	if err != nil {
		t.Fatalf("Allow after window: %v", err)
	}
	if !allowed {
		t.Error("expired window should allow again")
	}

	// The next Record starts a fresh window from count zero.
	if err := limiter.Record(ctx, "c", "pro"); err != nil {
		t.Fatalf("Record after window: %v", err)
	}
	counter, found, err := store.Get(ctx, "c:pro")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if counter.Count != 1 {
		t.Errorf("count after reset = %d, want 1", counter.Count)
	}
}

func TestLimiterKeysAreScoped(t *testing.T) {
	ctx := context.Background()
	clock, _ := fakeClock(time.Now())
	limiter := NewLimiter(NewMemoryStore(), map[string]int{"default": 1, "pro": 1}, clock)

	if err := limiter.Record(ctx, "a", "default"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Other clients and other personas are unaffected.
	if allowed, _ := limiter.Allow(ctx, "b", "default"); !allowed {
		t.Error("different client should be allowed")
	}
	if allowed, _ := limiter.Allow(ctx, "a", "pro"); !allowed {
		t.Error("different persona should be allowed")
	}
	if allowed, _ := limiter.Allow(ctx, "a", "default"); allowed {
		t.Error("recorded pair should be denied")
	}
}

func TestLimiterUnknownPersona(t *testing.T) {
	ctx := context.Background()
	limiter := NewLimiter(NewMemoryStore(), map[string]int{}, nil)

	if _, err := limiter.Allow(ctx, "a", "ghost"); !errors.Is(err, ErrNoLimit) {
		t.Errorf("Allow error = %v, want ErrNoLimit", err)
	}
	if err := limiter.Record(ctx, "a", "ghost"); !errors.Is(err, ErrNoLimit) {
		t.Errorf("Record error = %v, want ErrNoLimit", err)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	ctx := context.Background()
	if _, found, err := store.Get(ctx, "x:y"); err != nil || found {
		t.Fatalf("Get on empty store: found=%v err=%v", found, err)
	}

	want := Counter{Count: 3, ResetAt: time.Now().Add(Window).UTC().Truncate(time.Second)}
	if err := store.Put(ctx, "x:y", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := store.Get(ctx, "x:y")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Count != want.Count || !got.ResetAt.Equal(want.ResetAt) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLimiterOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	clock, _ := fakeClock(time.Now())

	ctx := context.Background()
	limiter := NewLimiter(store, map[string]int{"girlie": 2}, clock)

	for i := 0; i < 2; i++ {
		if allowed, err := limiter.Allow(ctx, "ip", "girlie"); err != nil || !allowed {
			t.Fatalf("Allow #%d: allowed=%v err=%v", i+1, allowed, err)
		}
		if err := limiter.Record(ctx, "ip", "girlie"); err != nil {
			t.Fatalf("Record #%d: %v", i+1, err)
		}
	}
	if allowed, _ := limiter.Allow(ctx, "ip", "girlie"); allowed {
		t.Error("third request allowed, want denied")
	}
}
