package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/slidewise/conveyor/internal/log"
)

const envPrefix = "CONVEYOR"

// Load reads configuration from the given file, or from the standard
// lookup locations when path is empty: ./conveyor.yaml, then
// ~/.config/conveyor/conveyor.yaml. Missing files leave the defaults in
// place. Environment variables prefixed with CONVEYOR_ override file
// values, e.g. CONVEYOR_SCHEDULER_MAX_WORKERS=4.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "conveyor"))
		}
		v.SetConfigName("conveyor")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
			// No config file anywhere; defaults and environment apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		log.Debug(log.CatConfig, "config loaded", "path", used)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Defaults()
	v.SetDefault("scheduler.max_workers", defaults.Scheduler.MaxWorkers)
	v.SetDefault("scheduler.max_active_users", defaults.Scheduler.MaxActiveUsers)
	v.SetDefault("scheduler.dispatch_interval_ms", defaults.Scheduler.DispatchIntervalMS)
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.ws_heartbeat_interval_s", defaults.Server.WSHeartbeatIntervalS)
	v.SetDefault("storage.result_path", defaults.Storage.ResultPath)
	v.SetDefault("storage.upload_path", defaults.Storage.UploadPath)
	v.SetDefault("processing.tile_size", defaults.Processing.TileSize)
	v.SetDefault("processing.tile_overlap", defaults.Processing.TileOverlap)
	v.SetDefault("processing.batch_size", defaults.Processing.BatchSize)
	v.SetDefault("processing.wsi_level", defaults.Processing.WSILevel)
	v.SetDefault("ratelimit.max_concurrent_requests", defaults.RateLimit.MaxConcurrentRequests)
	v.SetDefault("ratelimit.max_concurrent_per_user", defaults.RateLimit.MaxConcurrentPerUser)
	v.SetDefault("pipelines.path", defaults.Pipelines.Path)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
}
