package limitrate

import (
	"net"
	"net/http"
	"strings"
)

// resolveUser runs the fallback chain of spec.md 3.2: the caller's hook,
// then the network peer address (honoring X-Forwarded-For when trustProxy
// is set), then the literal "anonymous". A hook error or empty result only
// moves on to the next fallback, so the returned error is always nil.
func resolveUser(r *http.Request, hook func(*http.Request) (string, error), trustProxy bool) (string, error) {
	if hook != nil {
		if user, err := hook(r); err == nil && user != "" {
			return user, nil
		}
	}
	if addr := peerAddress(r, trustProxy); addr != "" {
		return addr, nil
	}
	return "anonymous", nil
}

// peerAddress returns the client's network address, preferring the first
// hop of X-Forwarded-For when trustProxy is enabled.
func peerAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}
