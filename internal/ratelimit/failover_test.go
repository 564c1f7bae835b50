package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/memory"
)

// flakyStore fails while down is true and counts consumption otherwise.
type flakyStore struct {
	down  bool
	inner *memory.Store
	calls int
}

func (s *flakyStore) Consume(ctx context.Context, key string, points int, b ratelimit.Budget) (ratelimit.Usage, error) {
	s.calls++
	if s.down {
		return ratelimit.Usage{}, &ratelimit.StoreError{Backend: "flaky", Op: "consume", Err: context.DeadlineExceeded}
	}
	return s.inner.Consume(ctx, key, points, b)
}

func (s *flakyStore) Get(ctx context.Context, key string) (ratelimit.Usage, error) {
	s.calls++
	if s.down {
		return ratelimit.Usage{}, &ratelimit.StoreError{Backend: "flaky", Op: "get", Err: context.DeadlineExceeded}
	}
	return s.inner.Get(ctx, key)
}

func (s *flakyStore) Close() error { return nil }

func TestFailover_UsesFallbackDuringCooldown(t *testing.T) {
	clk := newClock()
	primary := &flakyStore{down: true, inner: memory.New()}
	fallback := memory.New()
	f := ratelimit.NewFailover(primary, fallback,
		ratelimit.WithCooldown(10*time.Second),
		ratelimit.WithFailoverClock(clk.Now))

	b := ratelimit.Budget{Points: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		u, err := f.Consume(ctx, "k", 1, b)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if u.Consumed != i {
			t.Fatalf("expected fallback to count %d, got %d", i, u.Consumed)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("expected primary to be skipped while the breaker is open, got %d calls", primary.calls)
	}

	primary.down = false
	clk.Advance(10 * time.Second)

	u, err := f.Consume(ctx, "k", 1, b)
	if err != nil {
		t.Fatalf("consume after cooldown: %v", err)
	}
	if u.Consumed != 1 {
		t.Fatalf("expected primary bucket to start fresh, got %d", u.Consumed)
	}
	if primary.calls != 2 {
		t.Fatalf("expected primary retried after cooldown, got %d calls", primary.calls)
	}
}

func TestFailover_LimiterKeepsEnforcing(t *testing.T) {
	primary := &flakyStore{down: true, inner: memory.New()}
	l, err := ratelimit.New(ratelimit.NewFailover(primary, memory.New()), ratelimit.Budget{Points: 3, Window: time.Minute})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 3; i++ {
		if d := l.Consume(context.Background(), "k", 1); d.Blocked || d.Degraded {
			t.Fatalf("request %d: expected admit from fallback store, got %+v", i+1, d)
		}
	}
	if d := l.Consume(context.Background(), "k", 1); !d.Blocked {
		t.Fatal("expected the fallback store to enforce the budget")
	}
}

func TestFailover_CallerCancellationIsNotAFailure(t *testing.T) {
	primary := &flakyStore{down: true, inner: memory.New()}
	f := ratelimit.NewFailover(primary, memory.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Consume(ctx, "k", 1, ratelimit.Budget{Points: 1, Window: time.Second}); err == nil {
		t.Fatal("expected error to be returned for a cancelled caller")
	}
	if _, err := f.Consume(context.Background(), "k", 1, ratelimit.Budget{Points: 1, Window: time.Second}); err != nil {
		t.Fatalf("expected breaker to trip on the real failure, got %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("expected primary tried twice, got %d", primary.calls)
	}
}
