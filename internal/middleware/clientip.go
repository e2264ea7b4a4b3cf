package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the address a request came from. The platform-set
// trustedHeader (e.g. Fly-Client-IP) wins because clients cannot forge it
// through the platform proxy; X-Forwarded-For is next, then the transport
// peer address. Header values that are not valid IPs are ignored.
func ClientIP(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if ip := parseIP(r.Header.Get(trustedHeader)); ip != "" {
			return ip
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := parseIP(part); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
