package middleware

import (
	"log"
	"net/http"

	"github.com/remoto/termrelay/internal/logutil"
)

// AllowOrigins rejects browser requests whose Origin header is not in
// allowed. Requests without an Origin (CLI clients) pass through.
func AllowOrigins(allowed []string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := set[origin]; !ok {
					log.Printf("[gateway] rejected connection from origin %s", logutil.SanitizeForLog(origin))
					http.Error(w, "Origin not allowed", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
