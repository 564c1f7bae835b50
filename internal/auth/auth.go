package auth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey int

const keyResult ctxKey = 0

type Status int

const (
	StatusNone    Status = iota // no credential presented
	StatusValid                 // credential verified
	StatusInvalid               // credential presented but rejected
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "none"
	}
}

// Result is the outcome of verifying the request credential.
type Result struct {
	Status  Status
	Subject string
}

func (r Result) Authenticated() bool { return r.Status == StatusValid && r.Subject != "" }

// Verifier turns a bearer token into a subject.
type Verifier interface {
	Verify(token string) (subject string, ok bool)
}

// Authenticator reads the bearer credential and verifies it against a static
// token table and, when configured, a JWT verifier.
type Authenticator struct {
	header    string
	byToken   map[string]string
	verifiers []Verifier
}

// NewStatic creates an authenticator.
// header: HTTP header to read the credential from (default "Authorization")
// tokens: map of token -> subject
func NewStatic(header string, tokens map[string]string, verifiers ...Verifier) *Authenticator {
	h := header
	if h == "" {
		h = "Authorization"
	}
	return &Authenticator{header: h, byToken: tokens, verifiers: verifiers}
}

// Authenticate never fails: a missing credential is StatusNone and a bad one
// is StatusInvalid.
func (a *Authenticator) Authenticate(r *http.Request) Result {
	token := bearerToken(r.Header.Get(a.header))
	if token == "" {
		return Result{Status: StatusNone}
	}
	if sub, ok := a.byToken[token]; ok && sub != "" {
		return Result{Status: StatusValid, Subject: sub}
	}
	for _, v := range a.verifiers {
		if sub, ok := v.Verify(token); ok && sub != "" {
			return Result{Status: StatusValid, Subject: sub}
		}
	}
	return Result{Status: StatusInvalid}
}

// WithResult injects the auth result into context.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, keyResult, res)
}

// ResultFrom extracts the auth result from context (if present).
func ResultFrom(ctx context.Context) (Result, bool) {
	v := ctx.Value(keyResult)
	if v == nil {
		return Result{}, false
	}
	res, ok := v.(Result)
	return res, ok
}

// Identify records the auth result on the request without rejecting anything,
// so later middleware (rate limiting) sees failed attempts too.
func (a *Authenticator) Identify() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := a.Authenticate(r)
			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
		})
	}
}

// Enforce answers 401 for requests whose credential was presented and rejected.
// Anonymous requests pass. It skips any path in skipPaths.
func Enforce(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if res, ok := ResultFrom(r.Context()); ok && res.Status == StatusInvalid {
				writeJSON(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid user credentials.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	scheme, token, found := strings.Cut(v, " ")
	if found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if found {
		return ""
	}
	// bare token, e.g. X-API-Key style headers
	return v
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
