package ratelimit

import (
	"encoding/json"
	"net/http"

	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/log"
)

// anonymousTenant buckets requests that carry no tenant identity, so
// unauthenticated traffic cannot starve identified tenants.
const anonymousTenant = "anonymous"

// MiddlewareConfig configures the rate limiting middleware.
type MiddlewareConfig struct {
	// Limiter holds the concurrency caps. Required.
	Limiter *Limiter

	// TenantID extracts the tenant for the per-tenant cap. Requests it
	// returns "" for share the anonymous bucket. When nil, all requests
	// share the anonymous bucket.
	TenantID func(r *http.Request) string

	// ExemptPaths bypass limiting entirely (health and metrics probes).
	ExemptPaths []string
}

// Middleware rejects requests over the concurrency caps with 429 and a
// JSON error body. Accepted requests hold their slot until the handler
// returns.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := exempt[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			tenant := anonymousTenant
			if cfg.TenantID != nil {
				if id := cfg.TenantID(r); id != "" {
					tenant = id
				}
			}

			release, ok := cfg.Limiter.Acquire(tenant)
			if !ok {
				log.Warn(log.CatHTTP, "request shed by concurrency limiter",
					"tenant_id", tenant,
					"path", r.URL.Path)
				reject(w)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(apperr.RateLimited))
	body := map[string]any{
		"error": map[string]string{
			"kind":    string(apperr.RateLimited),
			"message": "too many concurrent requests",
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
