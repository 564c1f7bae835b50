package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/GateGuard/internal/auth"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/routing"
)

const codeRequestsExceeded = "REQUESTS_EXCEEDED"

type RateLimitOptions struct {
	Enabled           bool
	TrustForwardedFor bool
	// SkipPaths are never charged (ops endpoints).
	SkipPaths map[string]struct{}

	OnLimited  func(ratelimit.Verdict)
	OnDegraded func(ratelimit.Verdict)

	Now func() time.Time
}

func (o RateLimitOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// RateLimit charges every request to its bucket and answers 429 once the
// bucket is exhausted. The identity comes from auth.Identify, which must run
// earlier in the chain; unauthenticated requests are charged to their IP.
func RateLimit(e *ratelimit.Engine, opts RateLimitOptions) Middleware {
	return func(next http.Handler) http.Handler {
		if !opts.Enabled || e == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, ok := evaluate(r, e, opts)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			setLimitHeaders(w.Header(), v, opts.now())
			if !v.Blocked {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(limitedBody(v))
		})
	}
}

// evaluate runs the engine for r. It reports false when the request is not
// subject to rate limiting.
func evaluate(r *http.Request, e *ratelimit.Engine, opts RateLimitOptions) (ratelimit.Verdict, bool) {
	if _, ok := opts.SkipPaths[r.URL.Path]; ok {
		return ratelimit.Verdict{}, false
	}

	points := 1
	if rt, ok := routing.RouteFrom(r); ok && rt != nil {
		if rt.SkipRateLimit {
			return ratelimit.Verdict{}, false
		}
		if rt.Points > 0 {
			points = rt.Points
		}
	}

	var id ratelimit.Identity
	if res, ok := auth.ResultFrom(r.Context()); ok {
		id = ratelimit.Identity{Authenticated: res.Authenticated(), Subject: res.Subject}
	}

	v := e.Evaluate(r.Context(), ratelimit.Request{
		Addr:     ClientAddr(r, opts.TrustForwardedFor),
		Identity: id,
		Points:   points,
	})

	if v.Degraded && opts.OnDegraded != nil {
		opts.OnDegraded(v)
	}
	if v.Blocked {
		if opts.OnLimited != nil {
			opts.OnLimited(v)
		}
		zerolog.Ctx(r.Context()).Debug().
			Str("key", v.Decision.Key).
			Str("scope", string(v.Scope)).
			Bool("gated", v.Gated).
			Int64("ms_before_next", v.MsBeforeNext).
			Msg("rate limited")
	}
	return v, true
}

func setLimitHeaders(h http.Header, v ratelimit.Verdict, now time.Time) {
	reset := now.Add(v.ResetAfter)
	resetSec := reset.Unix()
	if reset.Nanosecond() > 0 {
		resetSec++
	}

	h.Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(v.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetSec, 10))
	if v.Blocked {
		h.Set("Retry-After", strconv.FormatInt(v.RetryAfter(), 10))
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type limitedErrorBody struct {
	Error limitedDetail `json:"error"`
}

type limitedDetail struct {
	errorDetail
	Limit        int   `json:"limit"`
	MsBeforeNext int64 `json:"ms_before_next"`
}

func limitedBody(v ratelimit.Verdict) limitedErrorBody {
	return limitedErrorBody{Error: limitedDetail{
		errorDetail: errorDetail{
			Code:    codeRequestsExceeded,
			Message: fmt.Sprintf("Too many requests, retry after %ds.", v.RetryAfter()),
		},
		Limit:        v.Limit,
		MsBeforeNext: v.MsBeforeNext,
	}}
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: errCode, Message: msg}})
}
