package shield

import (
	"encoding/json"
	"net/http"

	"github.com/pictrace/pictrace/kit"
	"github.com/pictrace/pictrace/turnstile"
)

// TurnstileHeader carries the challenge token on protected requests.
const TurnstileHeader = "X-Turnstile-Token"

// TurnstileGate returns middleware that rejects requests without a
// valid challenge token. Verification outages fail closed: a request
// that cannot be verified is not let through.
func TurnstileGate(client *turnstile.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(TurnstileHeader)
			if token == "" {
				denyTurnstile(w, "challenge token is required")
				return
			}
			out, err := client.Verify(r.Context(), token, kit.GetClientIP(r.Context()))
			if err != nil {
				GetLogger(r.Context()).Warn("turnstile verification failed", "error", err)
				denyTurnstile(w, "challenge verification unavailable")
				return
			}
			if !out.Success {
				denyTurnstile(w, "challenge token rejected")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func denyTurnstile(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "challenge_failed",
			"message": reason,
		},
	})
}
