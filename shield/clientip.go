package shield

import (
	"net"
	"net/http"
	"strings"

	"github.com/pictrace/pictrace/kit"
)

// ClientIP resolves the caller's IP and stores it under kit.ClientIPKey.
// The first X-Forwarded-For hop wins when present, otherwise the
// connection's remote address is used.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithClientIP(r.Context(), ExtractIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractIP returns the client IP for a request.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
