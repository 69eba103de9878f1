package metrics

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
)

// RoutePattern resolves a request to its registered route pattern, for
// example "GET /api/v1/jobs/{job_id}". Implementations return "" when no
// route matches.
type RoutePattern func(r *http.Request) string

// HTTPMiddleware instruments requests with the http_requests_total counter
// and http_request_duration_seconds histogram. The endpoint label uses the
// route pattern rather than the raw URL path, which keeps dynamic path
// segments (workflow and job IDs) out of the label set. Requests that match
// no route are labelled "unmatched". Scrapes of the metrics endpoint itself
// are not counted.
func (m *Metrics) HTTPMiddleware(route RoutePattern) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			endpoint := route(r)
			if endpoint == "" {
				endpoint = "unmatched"
			}

			captured := httpsnoop.CaptureMetrics(next, w, r)

			status := strconv.Itoa(captured.Code)
			m.httpRequests.WithLabelValues(r.Method, endpoint, status).Inc()
			m.httpDuration.WithLabelValues(r.Method, endpoint).Observe(captured.Duration.Seconds())
		})
	}
}
