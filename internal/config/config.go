// Package config provides configuration types, defaults, and persistence
// for conveyor.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration options for conveyor.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Processing ProcessingConfig `mapstructure:"processing" yaml:"processing"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
	Pipelines  PipelinesConfig  `mapstructure:"pipelines" yaml:"pipelines"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// SchedulerConfig holds dispatch and admission limits.
type SchedulerConfig struct {
	// MaxWorkers caps how many jobs run at once across all tenants.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`

	// MaxActiveUsers caps how many tenants hold an active slot; further
	// tenants queue for admission in FIFO order.
	MaxActiveUsers int `mapstructure:"max_active_users" yaml:"max_active_users"`

	// DispatchIntervalMS is the scheduler loop period in milliseconds.
	DispatchIntervalMS int `mapstructure:"dispatch_interval_ms" yaml:"dispatch_interval_ms"`
}

// DispatchInterval returns the loop period as a duration.
func (s SchedulerConfig) DispatchInterval() time.Duration {
	return time.Duration(s.DispatchIntervalMS) * time.Millisecond
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// WSHeartbeatIntervalS is the websocket ping period in seconds.
	WSHeartbeatIntervalS int `mapstructure:"ws_heartbeat_interval_s" yaml:"ws_heartbeat_interval_s"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// WSHeartbeat returns the websocket ping period as a duration.
func (s ServerConfig) WSHeartbeat() time.Duration {
	return time.Duration(s.WSHeartbeatIntervalS) * time.Second
}

// StorageConfig holds filesystem locations for artifacts.
type StorageConfig struct {
	// ResultPath is where job result documents are written.
	ResultPath string `mapstructure:"result_path" yaml:"result_path"`

	// UploadPath is where slide images are expected.
	UploadPath string `mapstructure:"upload_path" yaml:"upload_path"`
}

// ProcessingConfig holds the tiled pipeline geometry.
type ProcessingConfig struct {
	TileSize    int `mapstructure:"tile_size" yaml:"tile_size"`
	TileOverlap int `mapstructure:"tile_overlap" yaml:"tile_overlap"`
	BatchSize   int `mapstructure:"batch_size" yaml:"batch_size"`

	// WSILevel selects the slide pyramid level; 0 is full resolution.
	WSILevel int `mapstructure:"wsi_level" yaml:"wsi_level"`
}

// RateLimitConfig bounds concurrent HTTP requests.
type RateLimitConfig struct {
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	MaxConcurrentPerUser  int `mapstructure:"max_concurrent_per_user" yaml:"max_concurrent_per_user"`
}

// PipelinesConfig points at preset workflow definitions.
type PipelinesConfig struct {
	// Path is an optional directory of preset YAMLs layered over the
	// built-in presets.
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path" yaml:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// DefaultTracesFilePath returns the default path for trace file export,
// or empty string if the home dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "conveyor", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxWorkers:         10,
			MaxActiveUsers:     3,
			DispatchIntervalMS: 100,
		},
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8000,
			WSHeartbeatIntervalS: 30,
		},
		Storage: StorageConfig{
			ResultPath: "./results",
			UploadPath: "./uploads",
		},
		Processing: ProcessingConfig{
			TileSize:    512,
			TileOverlap: 64,
			BatchSize:   2,
			WSILevel:    0,
		},
		RateLimit: RateLimitConfig{
			MaxConcurrentRequests: 100,
			MaxConcurrentPerUser:  20,
		},
		Pipelines: PipelinesConfig{
			Path: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the whole configuration for errors.
func (c Config) Validate() error {
	if err := ValidateScheduler(c.Scheduler); err != nil {
		return err
	}
	if err := ValidateServer(c.Server); err != nil {
		return err
	}
	if err := ValidateStorage(c.Storage); err != nil {
		return err
	}
	if err := ValidateProcessing(c.Processing); err != nil {
		return err
	}
	if err := ValidateRateLimit(c.RateLimit); err != nil {
		return err
	}
	if err := ValidateLog(c.Log); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateScheduler checks scheduler limits for errors.
func ValidateScheduler(s SchedulerConfig) error {
	if s.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be positive, got %d", s.MaxWorkers)
	}
	if s.MaxActiveUsers <= 0 {
		return fmt.Errorf("scheduler.max_active_users must be positive, got %d", s.MaxActiveUsers)
	}
	if s.DispatchIntervalMS <= 0 {
		return fmt.Errorf("scheduler.dispatch_interval_ms must be positive, got %d", s.DispatchIntervalMS)
	}
	return nil
}

// ValidateServer checks listener settings for errors.
func ValidateServer(s ServerConfig) error {
	if s.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", s.Port)
	}
	if s.WSHeartbeatIntervalS <= 0 {
		return fmt.Errorf("server.ws_heartbeat_interval_s must be positive, got %d", s.WSHeartbeatIntervalS)
	}
	return nil
}

// ValidateStorage checks artifact locations for errors.
func ValidateStorage(s StorageConfig) error {
	if s.ResultPath == "" {
		return fmt.Errorf("storage.result_path must not be empty")
	}
	if s.UploadPath == "" {
		return fmt.Errorf("storage.upload_path must not be empty")
	}
	return nil
}

// ValidateProcessing checks the pipeline geometry for errors.
func ValidateProcessing(p ProcessingConfig) error {
	if p.TileSize <= 0 {
		return fmt.Errorf("processing.tile_size must be positive, got %d", p.TileSize)
	}
	if p.TileOverlap < 0 || p.TileOverlap >= p.TileSize {
		return fmt.Errorf("processing.tile_overlap must be in 0..%d, got %d", p.TileSize-1, p.TileOverlap)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("processing.batch_size must be positive, got %d", p.BatchSize)
	}
	if p.WSILevel < 0 {
		return fmt.Errorf("processing.wsi_level must not be negative, got %d", p.WSILevel)
	}
	return nil
}

// ValidateRateLimit checks request bounds for errors.
func ValidateRateLimit(r RateLimitConfig) error {
	if r.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("ratelimit.max_concurrent_requests must be positive, got %d", r.MaxConcurrentRequests)
	}
	if r.MaxConcurrentPerUser <= 0 {
		return fmt.Errorf("ratelimit.max_concurrent_per_user must be positive, got %d", r.MaxConcurrentPerUser)
	}
	return nil
}

// ValidateLog checks logging options for errors.
func ValidateLog(l LogConfig) error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", l.Level)
	}
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be \"console\" or \"json\", got %q", l.Format)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate endpoint requirements when tracing is enabled
	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}
