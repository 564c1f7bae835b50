package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

type bucket struct {
	mu        sync.Mutex
	consumed  int
	expiresAt time.Time
	dead      bool // evicted by the janitor, callers must reload
}

// Store is an in-process fixed-window store. Each key has its own lock so
// unrelated keys never wait on each other.
type Store struct {
	now     func() time.Time
	buckets sync.Map

	stop     chan struct{}
	stopOnce sync.Once
	janitors sync.WaitGroup
}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops the janitor and waits for it to return.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.janitors.Wait()
	return nil
}

func (s *Store) Consume(_ context.Context, key string, points int, b ratelimit.Budget) (ratelimit.Usage, error) {
	for {
		v, _ := s.buckets.LoadOrStore(key, &bucket{})
		bk := v.(*bucket)

		bk.mu.Lock()
		if bk.dead {
			bk.mu.Unlock()
			continue
		}

		now := s.now()
		if bk.expiresAt.IsZero() || !now.Before(bk.expiresAt) {
			// fresh window
			bk.consumed = points
			bk.expiresAt = now.Add(b.Window)
		} else {
			bk.consumed += points
		}
		u := ratelimit.Usage{Consumed: bk.consumed, TTL: bk.expiresAt.Sub(now)}
		bk.mu.Unlock()
		return u, nil
	}
}

func (s *Store) Get(_ context.Context, key string) (ratelimit.Usage, error) {
	v, ok := s.buckets.Load(key)
	if !ok {
		return ratelimit.Usage{}, nil
	}
	bk := v.(*bucket)

	bk.mu.Lock()
	defer bk.mu.Unlock()

	now := s.now()
	if bk.dead || bk.expiresAt.IsZero() || !now.Before(bk.expiresAt) {
		return ratelimit.Usage{}, nil
	}
	return ratelimit.Usage{Consumed: bk.consumed, TTL: bk.expiresAt.Sub(now)}, nil
}

// Sweep drops buckets whose window has ended and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0
	s.buckets.Range(func(k, v any) bool {
		bk := v.(*bucket)
		bk.mu.Lock()
		if !bk.expiresAt.IsZero() && !now.Before(bk.expiresAt) {
			bk.dead = true
			s.buckets.CompareAndDelete(k, v)
			removed++
		}
		bk.mu.Unlock()
		return true
	})
	return removed
}

// StartJanitor sweeps every interval until ctx is done or the store is closed.
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	t := time.NewTicker(every)
	s.janitors.Add(1)
	go func() {
		defer s.janitors.Done()
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

// Len reports how many buckets are held, expired ones included.
func (s *Store) Len() int {
	n := 0
	s.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
