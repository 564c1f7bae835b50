package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AlexKimmel/GateGuard/internal/auth"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

// Gin is the gin flavour of RateLimit with the same semantics. The auth
// result is read from the request context, so auth.Identify has to wrap the
// gin engine (or GinIdentify must run first).
func Gin(e *ratelimit.Engine, opts RateLimitOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !opts.Enabled || e == nil {
			c.Next()
			return
		}
		v, ok := evaluate(c.Request, e, opts)
		if !ok {
			c.Next()
			return
		}

		setLimitHeaders(c.Writer.Header(), v, opts.now())
		if v.Blocked {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, limitedBody(v))
			return
		}
		c.Next()
	}
}

// GinIdentify records the auth result on the request context.
func GinIdentify(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := a.Authenticate(c.Request)
		c.Request = c.Request.WithContext(auth.WithResult(c.Request.Context(), res))
		c.Next()
	}
}

// GinEnforce is auth.Enforce for gin routes.
func GinEnforce(skipPaths map[string]struct{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := skipPaths[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		if res, ok := auth.ResultFrom(c.Request.Context()); ok && res.Status == auth.StatusInvalid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: errorDetail{
				Code:    "INVALID_CREDENTIALS",
				Message: "Invalid user credentials.",
			}})
			return
		}
		c.Next()
	}
}
