package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/config"
)

type Route struct {
	ID      string
	Methods map[string]struct{} // empty means any method
	Prefix  string
	UpURL   *url.URL
	Timeout time.Duration

	// Points charged to the rate limiter per request; at least 1.
	Points        int
	SkipRateLimit bool
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// FromConfig builds a router from the configured routes, in order.
func FromConfig(routes []config.Route) (*Router, error) {
	rr := New()
	for _, rc := range routes {
		u, err := url.Parse(rc.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %q: invalid upstream url %q", rc.ID, rc.Upstream.URL)
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		points := rc.Points
		if points < 1 {
			points = 1
		}
		rr.Add(&Route{
			ID:            rc.ID,
			Methods:       methods,
			Prefix:        rc.Match.PathPrefix,
			UpURL:         u,
			Timeout:       time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
			Points:        points,
			SkipRateLimit: rc.SkipRateLimit,
		})
	}
	return rr, nil
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set and path prefix fit.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const (
	keyRoute ctxKey = iota
	keyHolder
)

// Holder lets middleware running before the route is matched read it back
// once the request has been served.
type Holder struct {
	mu sync.Mutex
	rt *Route
}

func (h *Holder) Route() *Route {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rt
}

func WithHolder(r *http.Request) (*http.Request, *Holder) {
	h := &Holder{}
	return r.WithContext(context.WithValue(r.Context(), keyHolder, h)), h
}

func WithRoute(r *http.Request, rt *Route) *http.Request {
	if h, ok := r.Context().Value(keyHolder).(*Holder); ok {
		h.mu.Lock()
		h.rt = rt
		h.mu.Unlock()
	}
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
