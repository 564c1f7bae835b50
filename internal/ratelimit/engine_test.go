package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/memory"
)

func newTestEngine(t *testing.T, clk *clock, gate bool) *ratelimit.Engine {
	t.Helper()
	e, err := ratelimit.NewEngine(memory.New(memory.WithClock(clk.Now)), ratelimit.EngineConfig{
		Policy:            testPolicy,
		GateAuthenticated: gate,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

var (
	anon    = ratelimit.Identity{}
	invalid = ratelimit.Identity{Authenticated: false, Subject: "app-access"} // presented, rejected
	valid   = ratelimit.Identity{Authenticated: true, Subject: "app-access"}
)

func TestNewEngine_InvalidPolicy(t *testing.T) {
	_, err := ratelimit.NewEngine(memory.New(), ratelimit.EngineConfig{
		Policy: ratelimit.Policy{Anonymous: ratelimit.Budget{Points: 5, Window: time.Second}},
	})
	if !errors.Is(err, ratelimit.ErrInvalidBudget) {
		t.Fatalf("expected ErrInvalidBudget, got %v", err)
	}
}

func TestEngine_FailedAuthSharesIPBucket(t *testing.T) {
	e := newTestEngine(t, newClock(), true)
	ctx := context.Background()
	addr := "203.0.113.9:1000"

	for i := 0; i < 3; i++ {
		v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: invalid, Points: 1})
		if v.Scope != ratelimit.ScopeIP || v.Decision.Key != "ip:203.0.113.9" {
			t.Fatalf("expected rejected credential to be charged to the IP bucket, got %s %q", v.Scope, v.Decision.Key)
		}
	}
	v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: anon, Points: 1})
	if v.Remaining != 1 {
		t.Fatalf("expected anonymous and failed-auth traffic to share the bucket (1 left), got %d", v.Remaining)
	}
}

func TestEngine_UserBucketIsSeparate(t *testing.T) {
	e := newTestEngine(t, newClock(), true)
	ctx := context.Background()
	addr := "203.0.113.9:1000"

	for i := 0; i < 8; i++ {
		v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: valid, Points: 1})
		if v.Blocked {
			t.Fatalf("authenticated request %d: expected admit", i+1)
		}
		if v.Scope != ratelimit.ScopeUser {
			t.Fatalf("expected user scope, got %q", v.Scope)
		}
	}
	if v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: valid, Points: 1}); !v.Blocked {
		t.Fatal("9th authenticated request: expected blocked")
	}

	// the IP bucket was never charged
	if v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: anon, Points: 1}); v.Blocked || v.Remaining != 4 {
		t.Fatalf("expected untouched IP bucket, got %+v", v.Decision)
	}
}

func TestEngine_GateBlocksAuthenticatedOnExhaustedIP(t *testing.T) {
	e := newTestEngine(t, newClock(), true)
	ctx := context.Background()
	addr := "198.51.100.4:2000"

	for i := 0; i < 5; i++ {
		e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: anon, Points: 1})
	}

	v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: valid, Points: 1})
	if !v.Blocked || !v.Gated {
		t.Fatalf("expected gated block, got %+v", v)
	}

	// gated requests don't charge the user bucket
	other := e.Evaluate(ctx, ratelimit.Request{Addr: "198.51.100.5:2000", Identity: valid, Points: 1})
	if other.Blocked || other.Remaining != 7 {
		t.Fatalf("expected user bucket with 7 left, got %+v", other.Decision)
	}
}

func TestEngine_GateDisabled(t *testing.T) {
	e := newTestEngine(t, newClock(), false)
	ctx := context.Background()
	addr := "198.51.100.4:2000"

	for i := 0; i < 6; i++ {
		e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: anon, Points: 1})
	}
	if v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: valid, Points: 1}); v.Blocked {
		t.Fatal("expected authenticated request admitted when the gate is off")
	}
}

func TestEngine_WindowResetsEveryBucket(t *testing.T) {
	clk := newClock()
	e := newTestEngine(t, clk, true)
	ctx := context.Background()
	addr := "192.0.2.1:1"

	for i := 0; i < 9; i++ {
		e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: valid, Points: 1})
		e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: anon, Points: 1})
	}
	clk.Advance(3 * time.Second)

	if v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: valid, Points: 1}); v.Blocked || v.Remaining != 7 {
		t.Fatalf("expected fresh user bucket, got %+v", v.Decision)
	}
	if v := e.Evaluate(ctx, ratelimit.Request{Addr: addr, Identity: anon, Points: 1}); v.Blocked || v.Remaining != 4 {
		t.Fatalf("expected fresh IP bucket, got %+v", v.Decision)
	}
}

func TestEngine_ConcurrentExactAdmits(t *testing.T) {
	e := newTestEngine(t, newClock(), true)
	ctx := context.Background()

	const extra = 12
	var admits, rejects atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v := e.Evaluate(ctx, ratelimit.Request{Addr: "192.0.2.50:1", Identity: anon, Points: 1})
			if v.Blocked {
				rejects.Add(1)
			} else {
				admits.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admits.Load() != 5 || rejects.Load() != extra {
		t.Fatalf("expected 5 admits / %d rejects, got %d / %d", extra, admits.Load(), rejects.Load())
	}
}
