package tracing

import (
	"context"
	"errors"
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/slidewise/conveyor/internal/engine"
	"github.com/slidewise/conveyor/internal/model"
)

// RouteFunc resolves a request to its registered route pattern, for
// example "GET /api/v1/jobs/{job_id}". It returns "" when no route
// matches.
type RouteFunc func(r *http.Request) string

// HTTPMiddlewareConfig configures the HTTP tracing middleware.
type HTTPMiddlewareConfig struct {
	// Tracer is the OpenTelemetry tracer for creating spans.
	// If nil, the middleware is a pass-through (no-op).
	Tracer trace.Tracer

	// Route names spans after the matched route pattern. When nil, or when
	// no route matches, spans are named after the raw method and path.
	Route RouteFunc
}

// NewHTTPMiddleware creates middleware that opens a server span per
// request, records method, route, and status code, and stores the trace
// ID in the request context for log correlation. Responses with a 5xx
// status mark the span as errored.
func NewHTTPMiddleware(cfg HTTPMiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Tracer == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := ""
			if cfg.Route != nil {
				route = cfg.Route(r)
			}
			spanName := route
			if spanName == "" {
				spanName = r.Method + " " + r.URL.Path
			}

			ctx, span := cfg.Tracer.Start(r.Context(), spanName,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			ctx = ContextWithTraceID(ctx, span.SpanContext().TraceID().String())

			span.SetAttributes(
				attribute.String(AttrHTTPMethod, r.Method),
				attribute.String(AttrHTTPTarget, r.URL.Path),
			)
			if route != "" {
				span.SetAttributes(attribute.String(AttrHTTPRoute, route))
			}

			captured := httpsnoop.CaptureMetrics(next, w, r.WithContext(ctx))

			span.SetAttributes(attribute.Int(AttrHTTPStatus, captured.Code))
			if captured.Code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(captured.Code))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// ExecutorMiddleware wraps an engine executor with additional behavior.
type ExecutorMiddleware func(next engine.Executor) engine.Executor

// NewExecutorMiddleware creates middleware that opens a span per job run,
// covering the dispatch-to-completion window. The span carries job
// identity attributes; the completion event records the terminal status
// the run will settle on. A context cancellation is recorded as a
// cancelled run, not a failure.
//
// If tracer is nil, the middleware is a pass-through.
func NewExecutorMiddleware(tracer trace.Tracer) ExecutorMiddleware {
	if tracer == nil {
		return func(next engine.Executor) engine.Executor {
			return next
		}
	}

	return func(next engine.Executor) engine.Executor {
		return engine.ExecutorFunc(func(ctx context.Context, job *model.Job, report engine.ProgressFunc) error {
			ctx, span := tracer.Start(ctx, SpanPrefixExecutor+job.Type.String(),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String(AttrJobID, job.ID),
				attribute.String(AttrJobType, job.Type.String()),
				attribute.String(AttrTenantID, job.TenantID),
				attribute.String(AttrWorkflowID, job.WorkflowID),
				attribute.String(AttrBranch, job.Branch),
			)
			span.AddEvent(EventJobDispatched)

			err := next.Execute(ctx, job, report)

			status := model.StatusSucceeded
			switch {
			case err == nil:
				span.SetStatus(codes.Ok, "")
			case errors.Is(err, context.Canceled):
				status = model.StatusCancelled
				span.SetStatus(codes.Ok, "cancelled")
			default:
				status = model.StatusFailed
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.AddEvent(EventJobCompleted,
				trace.WithAttributes(attribute.String(AttrJobStatus, string(status))),
			)
			return err
		})
	}
}
