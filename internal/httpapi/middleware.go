package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/felixge/httpsnoop"

	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/tracing"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares around h so the first argument is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recovery returns middleware that recovers from handler panics, logs the
// panic value and stack trace, and answers with the INTERNAL envelope.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error(log.CatHTTP, "panic recovered in HTTP handler",
						"panic", fmt.Sprint(rec),
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()))
					writeError(w, apperr.Internalf("internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogging returns middleware that logs each request with its
// method, path, status, duration, and client, plus the trace ID when the
// tracing middleware runs outside this one. Probe endpoints log at debug
// to keep scrape noise out of the info stream.
func RequestLogging() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", m.Code,
				"duration_ms", float64(m.Duration.Microseconds()) / 1000.0,
				"client", clientIP(r.RemoteAddr),
			}
			if traceID := tracing.TraceIDFromContext(r.Context()); traceID != "" {
				fields = append(fields, "trace_id", traceID)
			}

			switch {
			case m.Code >= http.StatusInternalServerError:
				log.Error(log.CatHTTP, "request", fields...)
			case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
				log.Debug(log.CatHTTP, "request", fields...)
			default:
				log.Info(log.CatHTTP, "request", fields...)
			}
		})
	}
}

// Auth returns middleware that rejects requests without a tenant identity.
// The given paths bypass the check (health and metrics probes).
func Auth(exemptPaths ...string) Middleware {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := exempt[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			if TenantID(r) == "" {
				writeError(w, apperr.Unauthenticatedf("%s header is required", HeaderTenantID))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
