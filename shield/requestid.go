package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/pictrace/pictrace/idgen"
	"github.com/pictrace/pictrace/kit"
)

var requestIDs = idgen.Prefixed("req_", idgen.NanoID(12))

// RequestID assigns each request an ID and injects it into the context,
// the response headers, and a per-request structured logger stored
// under LoggerKey.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestIDs()

		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Info("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
