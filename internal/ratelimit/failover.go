package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultBreakerCooldown = 30 * time.Second

// Failover serves from Primary and switches to Fallback for a cooldown period
// after Primary fails. Buckets are not copied between the two.
type Failover struct {
	primary  Store
	fallback Store
	cooldown time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu           sync.Mutex
	breakerUntil time.Time
}

type FailoverOption func(*Failover)

func WithCooldown(d time.Duration) FailoverOption {
	return func(f *Failover) {
		if d > 0 {
			f.cooldown = d
		}
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *Failover) { f.now = now }
}

func WithFailoverLogger(log zerolog.Logger) FailoverOption {
	return func(f *Failover) { f.log = log }
}

func NewFailover(primary, fallback Store, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:  primary,
		fallback: fallback,
		cooldown: defaultBreakerCooldown,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Failover) Consume(ctx context.Context, key string, points int, b Budget) (Usage, error) {
	if !f.isBreakerActive() {
		u, err := f.primary.Consume(ctx, key, points, b)
		if err == nil {
			return u, nil
		}
		if !f.trip(ctx, err) {
			return Usage{}, err
		}
	}
	return f.fallback.Consume(ctx, key, points, b)
}

func (f *Failover) Get(ctx context.Context, key string) (Usage, error) {
	if !f.isBreakerActive() {
		u, err := f.primary.Get(ctx, key)
		if err == nil {
			return u, nil
		}
		if !f.trip(ctx, err) {
			return Usage{}, err
		}
	}
	return f.fallback.Get(ctx, key)
}

func (f *Failover) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}

func (f *Failover) isBreakerActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.breakerUntil.IsZero() {
		return false
	}
	if f.now().Before(f.breakerUntil) {
		return true
	}
	f.breakerUntil = time.Time{}
	f.log.Info().Msg("rate limit: retrying primary store")
	return false
}

// trip opens the breaker for store failures. A cancelled caller context is not
// the store's fault and is returned as is.
func (f *Failover) trip(ctx context.Context, err error) bool {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false
	}
	if !errors.Is(err, ErrStoreUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.breakerUntil.IsZero() && now.Before(f.breakerUntil) {
		return true
	}
	f.breakerUntil = now.Add(f.cooldown)
	f.log.Warn().Err(err).Dur("cooldown", f.cooldown).Msg("rate limit: primary store unavailable, falling back to local store")
	return true
}
