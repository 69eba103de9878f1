package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/slidewise/conveyor/internal/log"
)

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Conveyor Configuration

# Scheduling limits
scheduler:
  max_workers: 10           # Jobs running at once, across all tenants
  max_active_users: 3       # Tenants holding an active slot; the rest queue FIFO
  dispatch_interval_ms: 100 # Scheduler loop period

# HTTP listener
server:
  host: 0.0.0.0
  port: 8000
  ws_heartbeat_interval_s: 30  # Websocket ping period

# Artifact locations
storage:
  result_path: ./results    # Job result documents (<job_id>_result.json)
  upload_path: ./uploads    # Slide images referenced by image_path

# Tiled pipeline geometry
processing:
  tile_size: 512
  tile_overlap: 64          # Stride is tile_size - tile_overlap
  batch_size: 2             # Tiles processed between progress reports
  wsi_level: 0              # Slide pyramid level; 0 is full resolution

# Concurrent request bounds (semaphores, not token buckets)
ratelimit:
  max_concurrent_requests: 100
  max_concurrent_per_user: 20

# Preset workflow definitions
# Built-in presets ship with the binary; point path at a directory of
# YAML files to add or override presets.
pipelines:
  path: ""

# Logging
log:
  level: info               # debug, info, warn, error
  format: console           # console or json

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: none          # none, file, stdout, otlp
#   file_path: ~/.config/conveyor/traces/traces.jsonl  # For the file exporter
#   otlp_endpoint: localhost:4317                      # For the otlp exporter
#   sample_rate: 1.0        # 0.0 to 1.0
#
# Example: send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
