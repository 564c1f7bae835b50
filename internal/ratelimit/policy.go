package ratelimit

import (
	"net/netip"
	"strings"
)

type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

// UnknownAddr is used when the source address is missing or can't be parsed.
const UnknownAddr = "unknown"

// Identity is the outcome of credential verification, supplied by the auth layer.
type Identity struct {
	Authenticated bool
	Subject       string
}

type Resolution struct {
	Scope  Scope
	Key    string
	Budget Budget
	IPKey  string // IP bucket of the request, also for ScopeUser
}

// Policy maps a request to its bucket. A presented but invalid credential is
// charged to the IP bucket, the same one anonymous requests use.
type Policy struct {
	Anonymous     Budget
	Authenticated Budget
}

func (p Policy) Validate() error {
	if err := p.Anonymous.Validate(); err != nil {
		return err
	}
	return p.Authenticated.Validate()
}

func (p Policy) Resolve(addr string, id Identity) Resolution {
	ipKey := IPKey(addr)
	subject := strings.TrimSpace(id.Subject)

	if id.Authenticated && subject != "" {
		return Resolution{
			Scope:  ScopeUser,
			Key:    UserKey(subject),
			Budget: p.Authenticated,
			IPKey:  ipKey,
		}
	}
	return Resolution{
		Scope:  ScopeIP,
		Key:    ipKey,
		Budget: p.Anonymous,
		IPKey:  ipKey,
	}
}

func UserKey(subject string) string { return "user:" + subject }

// IPKey normalizes addr (with or without port) into an ip: key.
func IPKey(addr string) string {
	return "ip:" + normalizeAddr(addr)
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return UnknownAddr
	}
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if a, err := netip.ParseAddr(strings.Trim(addr, "[]")); err == nil {
		return a.Unmap().String()
	}
	return UnknownAddr
}
