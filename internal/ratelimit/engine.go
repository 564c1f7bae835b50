package ratelimit

import (
	"context"
	"fmt"
)

// Request is what the engine needs to know about one inbound call.
type Request struct {
	Addr     string
	Identity Identity
	Points   int
}

type Verdict struct {
	Resolution
	Decision
	Gated bool // rejected by the IP gate, the user bucket was not charged
}

// Engine resolves a request to its bucket and charges it. Authenticated
// requests can also be gated on their source IP bucket.
type Engine struct {
	policy        Policy
	anonymous     *Limiter
	authenticated *Limiter
	gate          bool
}

type EngineConfig struct {
	Policy Policy
	// GateAuthenticated rejects authenticated requests whose IP bucket is exhausted.
	GateAuthenticated bool
}

// NewEngine builds one limiter per budget over the same store.
func NewEngine(store Store, cfg EngineConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	anon, err := New(store, cfg.Policy.Anonymous, append(opts, WithName(string(ScopeIP)))...)
	if err != nil {
		return nil, fmt.Errorf("anonymous limiter: %w", err)
	}
	authed, err := New(store, cfg.Policy.Authenticated, append(opts, WithName(string(ScopeUser)))...)
	if err != nil {
		return nil, fmt.Errorf("authenticated limiter: %w", err)
	}
	return &Engine{
		policy:        cfg.Policy,
		anonymous:     anon,
		authenticated: authed,
		gate:          cfg.GateAuthenticated,
	}, nil
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) Evaluate(ctx context.Context, req Request) Verdict {
	res := e.policy.Resolve(req.Addr, req.Identity)

	if res.Scope == ScopeUser {
		if e.gate {
			if g := e.anonymous.Peek(ctx, res.IPKey); g.Blocked && !g.Degraded {
				return Verdict{Resolution: res, Decision: g, Gated: true}
			}
		}
		return Verdict{Resolution: res, Decision: e.authenticated.Consume(ctx, res.Key, req.Points)}
	}
	return Verdict{Resolution: res, Decision: e.anonymous.Consume(ctx, res.Key, req.Points)}
}
