package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/metrics"
	"github.com/slidewise/conveyor/internal/pipeline"
	"github.com/slidewise/conveyor/internal/progress"
	"github.com/slidewise/conveyor/internal/ratelimit"
	"github.com/slidewise/conveyor/internal/tracing"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	addr     string
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g. "0.0.0.0:8000").
	Addr string
	// Core is the workflow engine (required).
	Core Core
	// Admission reports active-tenant counts (required).
	Admission AdmissionStats
	// Scheduler reports load counts (required).
	Scheduler SchedulerStats
	// Hub fans progress envelopes out to WebSocket subscribers (required).
	Hub *progress.Hub
	// Presets serves the pipeline endpoints (optional).
	Presets *pipeline.Library
	// Metrics provides the exposition handler and HTTP middleware (optional).
	Metrics *metrics.Metrics
	// Limiter sheds excess concurrent requests (optional).
	Limiter *ratelimit.Limiter
	// Tracer enables HTTP server spans (optional).
	Tracer trace.Tracer
	// Heartbeat is the WebSocket server ping interval.
	Heartbeat time.Duration
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out response writes.
	// WebSocket connections are hijacked and unaffected.
	WriteTimeout time.Duration
}

// NewServer creates the API server. If Addr uses port 0 the OS assigns
// one; use Port() after creation to discover it.
func NewServer(cfg ServerConfig) (*Server, error) {
	var metricsHandler http.Handler
	if cfg.Metrics != nil {
		metricsHandler = cfg.Metrics.Handler()
	}
	handler := NewHandler(HandlerConfig{
		Core:      cfg.Core,
		Admission: cfg.Admission,
		Scheduler: cfg.Scheduler,
		Hub:       cfg.Hub,
		Presets:   cfg.Presets,
		Metrics:   metricsHandler,
		Heartbeat: cfg.Heartbeat,
	})

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		addr:     cfg.Addr,
		port:     port,
		listener: listener,
		server: &http.Server{
			Handler:           buildChain(handler, cfg),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      writeTimeout,
		},
	}, nil
}

// buildChain assembles the middleware stack around the mux, outermost
// first: recovery, tracing, request logging, HTTP metrics, rate limiting,
// auth. Tracing sits outside logging so log lines carry the trace ID.
func buildChain(handler *Handler, cfg ServerConfig) http.Handler {
	mux := handler.Routes()

	// Resolve the route pattern up front. Middlewares that derive a new
	// request context hand the mux a clone, so r.Pattern set during
	// dispatch is invisible out here.
	route := func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		return pattern
	}

	mws := []Middleware{
		Recovery(),
		tracing.NewHTTPMiddleware(tracing.HTTPMiddlewareConfig{Tracer: cfg.Tracer, Route: route}),
		RequestLogging(),
	}
	if cfg.Metrics != nil {
		mws = append(mws, cfg.Metrics.HTTPMiddleware(route))
	}
	if cfg.Limiter != nil {
		mws = append(mws, ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:     cfg.Limiter,
			TenantID:    TenantID,
			ExemptPaths: []string{"/healthz", "/metrics"},
		}))
	}
	mws = append(mws, Auth("/healthz", "/metrics"))

	return Chain(mux, mws...)
}

// Start serves requests. It blocks until the server stops or fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "starting API server",
		"addr", s.listener.Addr().String(),
		"port", s.port)
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the port the server is listening on. Useful when the
// configured address used port 0.
func (s *Server) Port() int {
	return s.port
}
