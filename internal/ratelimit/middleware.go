package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"orderflow/internal/telemetry"
)

// ClientHeader identifies the caller whose bucket a request draws from.
const ClientHeader = "X-Client-ID"

// ClientKey returns the bucket key for r.
func ClientKey(r *http.Request) string {
	if v := r.Header.Get(ClientHeader); v != "" {
		return "rl:" + v
	}
	return "rl:anonymous"
}

// Middleware rejects requests with 429 once the caller's bucket is empty.
func Middleware(b *TokenBucket, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			d, err := b.Allow(r.Context(), key)
			if err != nil {
				log.Errorw("rate limit check failed", "key", key, "error", err)
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if !d.Allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
