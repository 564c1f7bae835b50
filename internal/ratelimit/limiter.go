package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultStoreTimeout = 250 * time.Millisecond

// Budget is an allowance of Points per Window.
type Budget struct {
	Points int
	Window time.Duration
}

func (b Budget) Validate() error {
	if b.Points <= 0 {
		return fmt.Errorf("%w: points must be > 0, got %d", ErrInvalidBudget, b.Points)
	}
	if b.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidBudget, b.Window)
	}
	return nil
}

// Usage is what a store reports for a key after (or without) consuming.
type Usage struct {
	Consumed int
	TTL      time.Duration // time until the window resets
}

// Store holds one bucket per key. Consume must be atomic per key.
type Store interface {
	Consume(ctx context.Context, key string, points int, b Budget) (Usage, error)
	Get(ctx context.Context, key string) (Usage, error)
	Close() error
}

type Decision struct {
	Key          string
	Limit        int
	Remaining    int           // points left in the window (min 0)
	MsBeforeNext int64         // only set when blocked
	ResetAfter   time.Duration // time until the window resets
	Blocked      bool
	Degraded     bool // produced by the failure policy, the store was not consulted
}

// RetryAfter rounds MsBeforeNext up to whole seconds.
func (d Decision) RetryAfter() int64 {
	if d.MsBeforeNext <= 0 {
		return 0
	}
	return (d.MsBeforeNext + 999) / 1000
}

// FailurePolicy decides what a Limiter answers when its store fails.
type FailurePolicy int

const (
	FailOpen FailurePolicy = iota
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

type Limiter struct {
	store   Store
	budget  Budget
	policy  FailurePolicy
	timeout time.Duration
	name    string
	log     zerolog.Logger
	logRate *rate.Sometimes
	onError func(name string, err error)
}

type Option func(*Limiter)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithStoreTimeout bounds every store call. Zero or negative keeps the default.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithName labels logs and error callbacks, e.g. "ip".
func WithName(name string) Option {
	return func(l *Limiter) { l.name = name }
}

// WithErrorHook is called for every store failure, before the failure policy applies.
func WithErrorHook(fn func(name string, err error)) Option {
	return func(l *Limiter) { l.onError = fn }
}

func New(store Store, b Budget, opts ...Option) (*Limiter, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("ratelimit: nil store")
	}
	l := &Limiter{
		store:   store,
		budget:  b,
		timeout: defaultStoreTimeout,
		name:    "default",
		log:     zerolog.Nop(),
		logRate: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Consume charges points to key and reports whether the request fits the budget.
func (l *Limiter) Consume(ctx context.Context, key string, points int) Decision {
	if points < 1 {
		points = 1
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	u, err := l.store.Consume(cctx, key, points, l.budget)
	if err != nil {
		return l.fail(key, "consume", err)
	}
	return l.decide(key, u.Consumed > l.budget.Points, u)
}

// Peek reports whether key is already exhausted without charging it.
func (l *Limiter) Peek(ctx context.Context, key string) Decision {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	u, err := l.store.Get(cctx, key)
	if err != nil {
		return l.fail(key, "get", err)
	}
	return l.decide(key, u.Consumed >= l.budget.Points, u)
}

func (l *Limiter) decide(key string, blocked bool, u Usage) Decision {
	remaining := l.budget.Points - u.Consumed
	if remaining < 0 {
		remaining = 0
	}
	ttl := u.TTL
	if ttl < 0 {
		ttl = 0
	}

	d := Decision{
		Key:        key,
		Limit:      l.budget.Points,
		Remaining:  remaining,
		ResetAfter: ttl,
		Blocked:    blocked,
	}
	if blocked {
		d.Remaining = 0
		// round up so a sub-millisecond remainder still reads as a wait
		d.MsBeforeNext = (ttl + time.Millisecond - 1).Milliseconds()
	}
	return d
}

func (l *Limiter) fail(key, op string, err error) Decision {
	if l.onError != nil {
		l.onError(l.name, err)
	}
	l.logRate.Do(func() {
		l.log.Warn().
			Err(err).
			Str("limiter", l.name).
			Str("op", op).
			Str("key", key).
			Str("policy", l.policy.String()).
			Msg("rate limit store unavailable")
	})

	if l.policy == FailClosed {
		return Decision{
			Key:          key,
			Limit:        l.budget.Points,
			MsBeforeNext: l.budget.Window.Milliseconds(),
			ResetAfter:   l.budget.Window,
			Blocked:      true,
			Degraded:     true,
		}
	}
	return Decision{
		Key:        key,
		Limit:      l.budget.Points,
		Remaining:  l.budget.Points,
		ResetAfter: l.budget.Window,
		Degraded:   true,
	}
}
