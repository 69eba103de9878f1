package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/slidewise/conveyor/internal/admission"
	"github.com/slidewise/conveyor/internal/config"
	"github.com/slidewise/conveyor/internal/engine"
	"github.com/slidewise/conveyor/internal/executor"
	"github.com/slidewise/conveyor/internal/httpapi"
	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/metrics"
	"github.com/slidewise/conveyor/internal/model"
	"github.com/slidewise/conveyor/internal/pipeline"
	"github.com/slidewise/conveyor/internal/progress"
	"github.com/slidewise/conveyor/internal/ratelimit"
	"github.com/slidewise/conveyor/internal/scheduler"
	"github.com/slidewise/conveyor/internal/storage"
	"github.com/slidewise/conveyor/internal/tenant"
	"github.com/slidewise/conveyor/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and HTTP API",
	Long: `Run the conveyor server: the job scheduler, the workflow engine, and
the HTTP API with its WebSocket progress channel.

The server listens on the configured address (default: 0.0.0.0:8000).
Requests authenticate with the X-User-ID header; /healthz and /metrics
stay open for probes.

Example:
  conveyor serve                        # Configured address
  conveyor serve --addr 127.0.0.1:9000  # Override the listener
  conveyor serve -c ./conveyor.yaml     # Explicit config file`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

// components holds everything runServe starts and stops.
type components struct {
	sched    *scheduler.Scheduler
	server   *httpapi.Server
	watcher  *pipeline.Watcher
	presets  *pipeline.Library
	provider *tracing.Provider
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cleanup, err := log.Init(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	comps, err := buildComponents(cfg, serveAddr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := comps.sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// Hot-reload presets when the overlay directory changes.
	if comps.watcher != nil {
		changes, err := comps.watcher.Start()
		if err != nil {
			return fmt.Errorf("starting preset watcher: %w", err)
		}
		go func() {
			for range changes {
				if err := comps.presets.Reload(); err != nil {
					log.ErrorErr(log.CatPipeline, "reloading pipeline presets", err)
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- comps.server.Start()
	}()

	fmt.Printf("conveyor listening on port %d\n", comps.server.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := comps.server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatHTTP, "stopping API server", err)
	}
	if comps.watcher != nil {
		if err := comps.watcher.Stop(); err != nil {
			log.ErrorErr(log.CatPipeline, "stopping preset watcher", err)
		}
	}
	if err := comps.sched.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatScheduler, "stopping scheduler", err)
	}
	if err := comps.provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatTracing, "shutting down trace provider", err)
	}

	fmt.Println("Server stopped")
	return nil
}

// buildComponents wires the scheduler, engine, executors, presets, and
// HTTP server from the configuration. A non-empty addr overrides the
// configured listen address.
func buildComponents(cfg config.Config, addr string) (*components, error) {
	provider, err := tracing.NewProvider(tracingConfig(cfg.Tracing))
	if err != nil {
		return nil, fmt.Errorf("creating trace provider: %w", err)
	}
	var tracer trace.Tracer
	if provider.Enabled() {
		tracer = provider.Tracer()
	}

	reg := tenant.NewRegistry()
	ctrl := admission.NewController(cfg.Scheduler.MaxActiveUsers)
	m := metrics.New()
	hub := progress.NewHub()

	sched := scheduler.New(scheduler.Config{
		MaxWorkers:       cfg.Scheduler.MaxWorkers,
		DispatchInterval: cfg.Scheduler.DispatchInterval(),
		Admission:        ctrl,
		Tenants:          reg,
		Metrics:          m,
	})

	fsStore, err := storage.NewFilesystemStore(cfg.Storage.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("creating result store: %w", err)
	}
	store := storage.NewCachedStore(fsStore)

	// Slides are referenced by path; make sure the drop directory exists.
	if err := os.MkdirAll(cfg.Storage.UploadPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	eng := engine.New(engine.Config{
		Scheduler: sched,
		Admission: ctrl,
		Tenants:   reg,
		Hub:       hub,
		Results:   store,
		Metrics:   m,
	})
	sched.SetNotifier(eng)

	execCfg := executor.Config{
		TileSize:    cfg.Processing.TileSize,
		TileOverlap: cfg.Processing.TileOverlap,
		BatchSize:   cfg.Processing.BatchSize,
		WSILevel:    cfg.Processing.WSILevel,
	}
	wrap := tracing.NewExecutorMiddleware(tracer)
	eng.RegisterExecutor(model.JobTypeCellSegmentation, wrap(executor.NewCellSegmentation(execCfg, store)))
	eng.RegisterExecutor(model.JobTypeTissueMask, wrap(executor.NewTissueMask(execCfg, store)))

	presets, err := pipeline.NewLibrary(cfg.Pipelines.Path)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline presets: %w", err)
	}
	var watcher *pipeline.Watcher
	if cfg.Pipelines.Path != "" {
		if _, statErr := os.Stat(cfg.Pipelines.Path); statErr == nil {
			watcher, err = pipeline.NewWatcher(pipeline.WatcherConfig{Dir: cfg.Pipelines.Path})
			if err != nil {
				return nil, fmt.Errorf("creating preset watcher: %w", err)
			}
		} else {
			log.Warn(log.CatPipeline, "preset overlay directory not found, hot reload disabled",
				"path", cfg.Pipelines.Path)
		}
	}

	limiter := ratelimit.New(cfg.RateLimit.MaxConcurrentRequests, cfg.RateLimit.MaxConcurrentPerUser)

	if addr == "" {
		addr = cfg.Server.Addr()
	}
	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:      addr,
		Core:      eng,
		Admission: ctrl,
		Scheduler: sched,
		Hub:       hub,
		Presets:   presets,
		Metrics:   m,
		Limiter:   limiter,
		Tracer:    tracer,
		Heartbeat: cfg.Server.WSHeartbeat(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	return &components{
		sched:    sched,
		server:   server,
		watcher:  watcher,
		presets:  presets,
		provider: provider,
	}, nil
}

// tracingConfig maps the file configuration onto the tracing subsystem's
// config, filling in the default trace file path when the file exporter
// is selected without one.
func tracingConfig(tc config.TracingConfig) tracing.Config {
	out := tracing.Config{
		Enabled:      tc.Enabled,
		Exporter:     tc.Exporter,
		FilePath:     tc.FilePath,
		OTLPEndpoint: tc.OTLPEndpoint,
		SampleRate:   tc.SampleRate,
		ServiceName:  tracing.DefaultServiceName,
	}
	if out.Exporter == "file" && out.FilePath == "" {
		out.FilePath = config.DefaultTracesFilePath()
	}
	return out
}
