package gateway

import (
	"net/http"
	"strings"
)

// ClientAddr returns the address the request is charged to. The first
// X-Forwarded-For hop is only used when trustXFF is set, i.e. when the
// gateway sits behind a proxy that overwrites the header. The result may
// still carry a port; the resolver normalizes it.
func ClientAddr(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	return strings.TrimSpace(r.RemoteAddr)
}
