package gateway

import (
	"net/http"

	"github.com/AlexKimmel/GateGuard/internal/routing"
)

// RouteMatcher stores the matched upstream route on the request. Unmatched
// requests continue without a route and are served by the built-in handlers.
func RouteMatcher(rr *routing.Router, skip map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		if rr == nil || len(rr.Routes()) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if rt, ok := rr.Match(r.Method, r.URL.Path); ok {
				r = routing.WithRoute(r, rt)
			}
			next.ServeHTTP(w, r)
		})
	}
}
