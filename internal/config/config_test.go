package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesOnlyPresentKeys(t *testing.T) {
	path := writeConfig(t, `
camera:
  driver: pattern
  hardware_cooldown: 20s
network:
  max_failed_checks: 4
stream:
  idle_timeout: 45s
server:
  allowed_origins: ["https://example.test"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pattern", cfg.Camera.Driver)
	assert.Equal(t, 20*time.Second, cfg.Camera.HardwareCooldown)
	assert.Equal(t, 4, cfg.Network.MaxFailedChecks)
	assert.Equal(t, 45*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, []string{"https://example.test"}, cfg.Server.AllowedOrigins)

	// Untouched keys keep defaults.
	def := DefaultConfig()
	assert.Equal(t, def.Camera.MaxFailures, cfg.Camera.MaxFailures)
	assert.Equal(t, def.Profiles, cfg.Profiles)
	assert.Equal(t, def.Stream.JPEGQuality, cfg.Stream.JPEGQuality)
}

func TestLoadClampsAndRejectsUnknownEnums(t *testing.T) {
	path := writeConfig(t, `
camera:
  driver: quantum
  max_failures: 0
display:
  driver: HOLOGRAM
  fps: 500
stream:
  jpeg_quality: 150
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ffmpeg", cfg.Camera.Driver)
	assert.Equal(t, 1, cfg.Camera.MaxFailures)
	assert.Equal(t, "window", cfg.Display.Driver)
	assert.Equal(t, 60, cfg.Display.FPS)
	assert.Equal(t, 100, cfg.Stream.JPEGQuality)
}

func TestLoadParseError(t *testing.T) {
	path := writeConfig(t, "camera: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: parse")
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: \":9000\"\n")
	t.Setenv("CAMERA_STREAM_LISTEN", "127.0.0.1:8080")
	t.Setenv("CAMERA_STREAM_LOG_FILE", "/tmp/stream.log")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "/tmp/stream.log", cfg.Logging.File)
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("CAMERA_STREAM_CONFIG", "/etc/camera/stream.yaml")
	assert.Equal(t, "/etc/camera/stream.yaml", ConfigPath())
}

func TestValidate(t *testing.T) {
	ok, warnings := DefaultConfig().Validate()
	assert.True(t, ok)
	assert.Empty(t, warnings)

	cfg := DefaultConfig()
	cfg.Server.Listen = ""
	cfg.Display.Size = 240
	ok, warnings = cfg.Validate()
	assert.False(t, ok)
	assert.Len(t, warnings, 2)
}

func TestConfigureLoggingWritesFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.File = filepath.Join(t.TempDir(), "logs", "stream.log")
	cfg.Logging.Stdout = false

	logger, cleanup, err := ConfigureLogging(cfg)
	require.NoError(t, err)
	logger.Infow("hello", "component", "test")
	cleanup()

	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "INFO")
}
