package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidewise/conveyor/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.ResultPath = filepath.Join(t.TempDir(), "results")
	cfg.Storage.UploadPath = filepath.Join(t.TempDir(), "uploads")
	return cfg
}

func buildTestComponents(t *testing.T, cfg config.Config) *components {
	t.Helper()
	comps, err := buildComponents(cfg, "127.0.0.1:0")
	require.NoError(t, err, "wiring should succeed")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = comps.server.Stop(ctx)
		if comps.watcher != nil {
			_ = comps.watcher.Stop()
		}
		_ = comps.provider.Shutdown(ctx)
	})
	return comps
}

// === Startup Wiring Tests ===

func TestBuildComponents(t *testing.T) {
	cfg := testConfig(t)
	comps := buildTestComponents(t, cfg)

	require.NotZero(t, comps.server.Port(), "port 0 should resolve")
	assert.Nil(t, comps.watcher, "no overlay directory, no watcher")
	assert.Len(t, comps.presets.List(), 3, "built-in presets should load")
	assert.DirExists(t, cfg.Storage.ResultPath)
	assert.DirExists(t, cfg.Storage.UploadPath)

	// The assembled server answers probes end to end.
	done := make(chan error, 1)
	go func() { done <- comps.server.Start() }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", comps.server.Port()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, comps.server.Stop(ctx))
	require.NoError(t, <-done)
}

func TestBuildComponents_OverlayDirEnablesWatcher(t *testing.T) {
	cfg := testConfig(t)
	overlay := t.TempDir()
	preset := `name: overnight_batch
jobs:
  - id: mask
    job_type: tissue_mask
`
	require.NoError(t, os.WriteFile(filepath.Join(overlay, "overnight_batch.yaml"), []byte(preset), 0o600))
	cfg.Pipelines.Path = overlay

	comps := buildTestComponents(t, cfg)
	assert.NotNil(t, comps.watcher, "overlay directory should be watched")
	assert.Len(t, comps.presets.List(), 4, "overlay preset should join the built-ins")
}

func TestBuildComponents_MissingOverlayDirDisablesWatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipelines.Path = filepath.Join(t.TempDir(), "nope")

	comps := buildTestComponents(t, cfg)
	assert.Nil(t, comps.watcher, "missing overlay directory should not fail startup")
}

func TestBuildComponents_BadResultPath(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Storage.ResultPath = filepath.Join(file, "results")

	_, err := buildComponents(cfg, "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result")
}

func TestTracingConfig(t *testing.T) {
	tc := config.TracingConfig{
		Enabled:      true,
		Exporter:     "file",
		OTLPEndpoint: "collector:4317",
		SampleRate:   0.25,
	}
	out := tracingConfig(tc)

	assert.True(t, out.Enabled)
	assert.Equal(t, "conveyor", out.ServiceName)
	assert.Equal(t, "collector:4317", out.OTLPEndpoint)
	assert.InDelta(t, 0.25, out.SampleRate, 1e-9)
	assert.NotEmpty(t, out.FilePath, "file exporter should fall back to the default path")

	tc.FilePath = "/tmp/traces.jsonl"
	assert.Equal(t, "/tmp/traces.jsonl", tracingConfig(tc).FilePath, "explicit path should win")
}

// === Config Command Tests ===

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")

	require.NoError(t, runConfigInit(nil, []string{path}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_workers")

	err = runConfigInit(nil, []string{path})
	require.Error(t, err, "refuses to overwrite without --force")
	assert.Contains(t, err.Error(), "already exists")

	configInitForce = true
	t.Cleanup(func() { configInitForce = false })
	require.NoError(t, runConfigInit(nil, []string{path}))
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { cfgFile = "" })

	_, err := loadConfig()
	require.Error(t, err, "an explicitly named config file must exist")
}
