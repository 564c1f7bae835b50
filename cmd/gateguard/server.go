package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/GateGuard/internal/auth"
	"github.com/AlexKimmel/GateGuard/internal/config"
	"github.com/AlexKimmel/GateGuard/internal/gateway"
	"github.com/AlexKimmel/GateGuard/internal/obs"
	"github.com/AlexKimmel/GateGuard/internal/proxy"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/memory"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/redisstore"
	"github.com/AlexKimmel/GateGuard/internal/routing"
)

// newStore picks the counter backend. With the "local" failure policy a
// shared store is backed by an in-process one while it is unreachable.
func newStore(ctx context.Context, rl config.RateLimiter, logger zerolog.Logger) (ratelimit.Store, error) {
	local := func() *memory.Store {
		m := memory.New()
		m.StartJanitor(ctx, rl.CleanupInterval())
		return m
	}

	if rl.Store != config.StoreRedis {
		return local(), nil
	}

	opts, err := redis.ParseURL(rl.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rs := redisstore.New(redis.NewClient(opts), redisstore.WithPrefix(rl.Redis.Prefix))

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rs.Ping(pctx); err != nil {
		logger.Warn().Err(err).Str("policy", rl.FailurePolicy).Msg("redis not reachable at startup")
	}

	if rl.FailurePolicy == config.PolicyLocal {
		return ratelimit.NewFailover(rs, local(),
			ratelimit.WithCooldown(rl.Redis.Cooldown()),
			ratelimit.WithFailoverLogger(logger),
		), nil
	}
	return rs, nil
}

func newEngine(rl config.RateLimiter, store ratelimit.Store, logger zerolog.Logger, m *obs.Metrics) (*ratelimit.Engine, error) {
	policy := ratelimit.FailOpen
	if rl.FailurePolicy == config.PolicyClosed {
		policy = ratelimit.FailClosed
	}
	return ratelimit.NewEngine(store, ratelimit.EngineConfig{
		Policy: ratelimit.Policy{
			Anonymous:     ratelimit.Budget{Points: rl.Points, Window: rl.Window()},
			Authenticated: ratelimit.Budget{Points: rl.PointsAuthenticated, Window: rl.Window()},
		},
		GateAuthenticated: rl.GateAuthenticated,
	},
		ratelimit.WithFailurePolicy(policy),
		ratelimit.WithStoreTimeout(rl.StoreTimeout()),
		ratelimit.WithLogger(logger),
		ratelimit.WithErrorHook(m.ObserveStoreError),
	)
}

func newAuthenticator(cfg config.Auth) (*auth.Authenticator, error) {
	tokens := map[string]string{} // token -> subject
	for _, t := range cfg.Tokens {
		if t.Token != "" && t.Subject != "" {
			tokens[t.Token] = t.Subject
		}
	}
	var verifiers []auth.Verifier
	if cfg.JWT.Secret != "" {
		jv, err := auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, jv)
	}
	return auth.NewStatic(cfg.Header, tokens, verifiers...), nil
}

// newHandler assembles the request pipeline:
// log -> metrics -> body limit -> identify -> route -> rate limit -> enforce auth -> proxy or built-ins.
func newHandler(cfg *config.Root, store ratelimit.Store, logger zerolog.Logger, reg *prometheus.Registry) (http.Handler, error) {
	m := obs.NewMetrics(reg)

	var engine *ratelimit.Engine
	if cfg.RateLimiter.Enabled {
		e, err := newEngine(cfg.RateLimiter, store, logger, m)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		engine = e
	}
	authn, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	rr, err := routing.FromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}

	metricsPath := cfg.Observability.PrometheusPath
	skip := map[string]struct{}{
		"/health":   {},
		metricsPath: {},
	}
	rlOpts := gateway.RateLimitOptions{
		Enabled:           cfg.RateLimiter.Enabled,
		TrustForwardedFor: cfg.RateLimiter.TrustForwardedFor,
		SkipPaths:         skip,
		OnLimited:         m.ObserveLimited,
		OnDegraded:        m.ObserveDegraded,
	}
	info := serverInfo(cfg, engine)
	tr := proxy.NewHTTPTransport()

	outer := []gateway.Middleware{
		obs.Logger(logger),
		m.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBodyBytes),
		authn.Identify(),
		gateway.RouteMatcher(rr, skip),
	}

	if cfg.Server.Mode == config.ModeGin {
		g := gin.New()
		g.Use(gin.Recovery(), gateway.Gin(engine, rlOpts), gateway.GinEnforce(skip))
		g.GET("/server/info", gin.WrapF(info))
		g.GET("/health", gin.WrapF(health))
		g.GET(metricsPath, gin.WrapH(m.Handler()))
		g.NoRoute(gin.WrapH(proxy.Handler(tr, http.NotFoundHandler())))
		return gateway.Chain(g, outer...), nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /server/info", info)
	mux.HandleFunc("GET /health", health)
	mux.Handle("GET "+metricsPath, m.Handler())

	return gateway.Chain(
		proxy.Handler(tr, mux),
		append(outer,
			gateway.RateLimit(engine, rlOpts),
			auth.Enforce(skip),
		)...,
	), nil
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// serverInfo reports the budgets actually enforced; engine is nil when the
// limiter is disabled.
func serverInfo(cfg *config.Root, engine *ratelimit.Engine) http.HandlerFunc {
	type limiterInfo struct {
		Enabled             bool    `json:"enabled"`
		Store               string  `json:"store,omitempty"`
		Points              int     `json:"points,omitempty"`
		PointsAuthenticated int     `json:"points_authenticated,omitempty"`
		Duration            float64 `json:"duration,omitempty"`
	}
	li := limiterInfo{Enabled: engine != nil}
	if engine != nil {
		p := engine.Policy()
		li.Store = cfg.RateLimiter.Store
		li.Points = p.Anonymous.Points
		li.PointsAuthenticated = p.Authenticated.Points
		li.Duration = p.Anonymous.Window.Seconds()
	}
	body, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"project":      "gateguard",
			"rate_limiter": li,
		},
	})
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

// signToken issues a JWT for subject with the configured secret, for
// provisioning clients with -sign-token.
func signToken(cfg config.Auth, subject string, ttl time.Duration) (string, error) {
	jv, err := auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		return "", err
	}
	return jv.Sign(subject, ttl)
}
