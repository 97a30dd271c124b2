// Package config manages configuration for the camera streamer.
//
// Handles loading config from YAML files, environment variables,
// and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration struct
// =============================================================================

// Config holds all runtime configuration values.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Camera   CameraConfig   `yaml:"camera"`
	Profiles ProfilesConfig `yaml:"profiles"`
	Display  DisplayConfig  `yaml:"display"`
	Network  NetworkConfig  `yaml:"network"`
	Stream   StreamConfig   `yaml:"stream"`
	Buttons  ButtonsConfig  `yaml:"buttons"`
	Server   ServerConfig   `yaml:"server"`
}

// LoggingConfig controls the zap logger and its rotating file sink.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Stdout     bool   `yaml:"stdout"`
}

// CameraConfig selects the sensor driver and tunes the coordinator.
type CameraConfig struct {
	Driver            string        `yaml:"driver"`  // "ffmpeg", "webcam" or "pattern"
	Device            string        `yaml:"device"`  // "/dev/video0" or "auto"
	Command           string        `yaml:"command"` // "ffmpeg" or "rpicam-vid"
	Format            string        `yaml:"format"`  // "mjpeg" or "yuyv"
	FPS               int           `yaml:"fps"`
	FrameTimeout      time.Duration `yaml:"frame_timeout"`
	WarmUp            time.Duration `yaml:"warm_up"`
	MaxFailures       int           `yaml:"max_failures"`
	HardwareCooldown  time.Duration `yaml:"hardware_cooldown"`
	KillDeviceHolders bool          `yaml:"kill_device_holders"`
}

// SizeConfig is a width/height pair in pixels.
type SizeConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ProfilesConfig holds the two sensor profiles.
type ProfilesConfig struct {
	Preview SizeConfig `yaml:"preview"`
	Wide    SizeConfig `yaml:"wide"`
}

// DisplayConfig controls the local panel and its refresh loop.
type DisplayConfig struct {
	Driver      string  `yaml:"driver"` // "window", "periph" or "none"
	Size        int     `yaml:"size"`
	FPS         int     `yaml:"fps"`
	MaxErrors   int     `yaml:"max_errors"`
	NightMode   bool    `yaml:"night_mode"`
	WindowScale float32 `yaml:"window_scale"`
}

// NetworkConfig controls the stability monitor and supervision loop.
type NetworkConfig struct {
	CheckInterval       time.Duration `yaml:"check_interval"`
	MaxFailedChecks     int           `yaml:"max_failed_checks"`
	ProbeAddress        string        `yaml:"probe_address"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	Interface           string        `yaml:"interface"`
	SupervisionInterval time.Duration `yaml:"supervision_interval"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
}

// StreamConfig controls the per-client network frame generators.
type StreamConfig struct {
	FPS                  int           `yaml:"fps"`
	JPEGQuality          int           `yaml:"jpeg_quality"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
}

// ButtonsConfig maps the three panel keys to GPIO names.
type ButtonsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Start        string        `yaml:"start"`
	Exit         string        `yaml:"exit"`
	Stop         string        `yaml:"stop"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LongPress    time.Duration `yaml:"long_press"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Listen                string        `yaml:"listen"`
	AllowedOrigins        []string      `yaml:"allowed_origins"`
	AllowedOriginSuffixes []string      `yaml:"allowed_origin_suffixes"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			File:       "./logs/camera_stream.log",
			MaxSizeMB:  5,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Stdout:     true,
		},
		Camera: CameraConfig{
			Driver:            "ffmpeg",
			Device:            "auto",
			Command:           "ffmpeg",
			Format:            "mjpeg",
			FPS:               30,
			FrameTimeout:      2 * time.Second,
			WarmUp:            2 * time.Second,
			MaxFailures:       5,
			HardwareCooldown:  10 * time.Second,
			KillDeviceHolders: true,
		},
		Profiles: ProfilesConfig{
			Preview: SizeConfig{Width: 128, Height: 128},
			Wide:    SizeConfig{Width: 640, Height: 480},
		},
		Display: DisplayConfig{
			Driver:      "window",
			Size:        128,
			FPS:         20,
			MaxErrors:   5,
			WindowScale: 3,
		},
		Network: NetworkConfig{
			CheckInterval:       5 * time.Second,
			MaxFailedChecks:     3,
			ProbeAddress:        "8.8.8.8:53",
			ProbeTimeout:        3 * time.Second,
			SupervisionInterval: 5 * time.Second,
			RecoveryInterval:    10 * time.Second,
			MaxRecoveryAttempts: 10,
		},
		Stream: StreamConfig{
			FPS:                  30,
			JPEGQuality:          85,
			MaxConsecutiveErrors: 5,
			RetryDelay:           time.Second,
			IdleTimeout:          30 * time.Second,
		},
		Buttons: ButtonsConfig{
			Enabled:      true,
			Start:        "GPIO21",
			Exit:         "GPIO20",
			Stop:         "GPIO16",
			PollInterval: 100 * time.Millisecond,
			LongPress:    1500 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen: ":5000",
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
			},
			AllowedOriginSuffixes: []string{
				".lovable.app",
				".lovable.dev",
			},
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// =============================================================================
// Load
// =============================================================================

// ConfigPath returns the YAML file path to use, respecting env vars.
func ConfigPath() string {
	if p := os.Getenv("CAMERA_STREAM_CONFIG"); p != "" {
		return p
	}
	return "./config.yaml"
}

// Load reads the YAML file at the given path (or the default/env path)
// and returns a fully populated Config. Missing sections or keys
// keep their DefaultConfig() values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// A missing file is not an error; run on defaults.
	case err != nil:
		return cfg, errors.Wrapf(err, "config: read %s", path)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, errors.Wrapf(err, "config: parse %s", path)
		}
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if logFile := os.Getenv("CAMERA_STREAM_LOG_FILE"); logFile != "" {
		cfg.Logging.File = logFile
	}
	if listen := os.Getenv("CAMERA_STREAM_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
}

// normalize clamps numeric settings into their supported ranges and
// replaces unrecognised enum values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.MaxSizeMB = clampInt(c.Logging.MaxSizeMB, 1, 1024)
	c.Logging.MaxBackups = clampInt(c.Logging.MaxBackups, 1, 100)

	c.Camera.Driver = oneOf(c.Camera.Driver, def.Camera.Driver, "ffmpeg", "webcam", "pattern")
	c.Camera.Command = oneOf(c.Camera.Command, def.Camera.Command, "ffmpeg", "rpicam-vid")
	c.Camera.Format = oneOf(c.Camera.Format, def.Camera.Format, "mjpeg", "yuyv")
	c.Camera.FPS = clampInt(c.Camera.FPS, 1, 60)
	c.Camera.MaxFailures = clampInt(c.Camera.MaxFailures, 1, 100)
	c.Camera.FrameTimeout = clampDuration(c.Camera.FrameTimeout, 100*time.Millisecond, time.Minute)
	c.Camera.HardwareCooldown = clampDuration(c.Camera.HardwareCooldown, 0, 10*time.Minute)
	c.Camera.WarmUp = clampDuration(c.Camera.WarmUp, 0, 30*time.Second)

	c.Profiles.Preview.Width = clampInt(c.Profiles.Preview.Width, 16, 1920)
	c.Profiles.Preview.Height = clampInt(c.Profiles.Preview.Height, 16, 1080)
	c.Profiles.Wide.Width = clampInt(c.Profiles.Wide.Width, 160, 1920)
	c.Profiles.Wide.Height = clampInt(c.Profiles.Wide.Height, 120, 1080)

	c.Display.Driver = oneOf(c.Display.Driver, def.Display.Driver, "window", "periph", "none")
	c.Display.Size = clampInt(c.Display.Size, 16, 1024)
	c.Display.FPS = clampInt(c.Display.FPS, 1, 60)
	c.Display.MaxErrors = clampInt(c.Display.MaxErrors, 1, 1000)
	if c.Display.WindowScale <= 0 {
		c.Display.WindowScale = def.Display.WindowScale
	}

	c.Network.MaxFailedChecks = clampInt(c.Network.MaxFailedChecks, 1, 100)
	c.Network.MaxRecoveryAttempts = clampInt(c.Network.MaxRecoveryAttempts, 1, 1000)
	c.Network.CheckInterval = clampDuration(c.Network.CheckInterval, 0, time.Hour)
	c.Network.ProbeTimeout = clampDuration(c.Network.ProbeTimeout, 100*time.Millisecond, time.Minute)
	c.Network.SupervisionInterval = clampDuration(c.Network.SupervisionInterval, 10*time.Millisecond, time.Hour)
	c.Network.RecoveryInterval = clampDuration(c.Network.RecoveryInterval, 10*time.Millisecond, time.Hour)

	c.Stream.FPS = clampInt(c.Stream.FPS, 1, 60)
	c.Stream.JPEGQuality = clampInt(c.Stream.JPEGQuality, 1, 100)
	c.Stream.MaxConsecutiveErrors = clampInt(c.Stream.MaxConsecutiveErrors, 1, 1000)
	c.Stream.RetryDelay = clampDuration(c.Stream.RetryDelay, 0, time.Minute)
	c.Stream.IdleTimeout = clampDuration(c.Stream.IdleTimeout, time.Second, time.Hour)

	c.Buttons.PollInterval = clampDuration(c.Buttons.PollInterval, 10*time.Millisecond, time.Second)
	c.Buttons.LongPress = clampDuration(c.Buttons.LongPress, 100*time.Millisecond, 10*time.Second)

	c.Server.ShutdownTimeout = clampDuration(c.Server.ShutdownTimeout, time.Second, time.Minute)
}

// =============================================================================
// Clamp helpers
// =============================================================================

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// oneOf lower-cases v and returns it if it is one of allowed, else fallback.
func oneOf(v, fallback string, allowed ...string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks whether the Config values are reasonable and returns
// warnings. Returns ok=false if any setting is critically problematic.
func (c *Config) Validate() (ok bool, warnings []string) {
	ok = true

	if c.Profiles.Wide.Width*c.Profiles.Wide.Height > 1280*720 {
		warnings = append(warnings, "Wide profile above 1280x720 may exceed the Pi encoder budget at 30 fps")
	}

	if c.Profiles.Preview.Width*c.Profiles.Preview.Height > c.Profiles.Wide.Width*c.Profiles.Wide.Height {
		warnings = append(warnings, "Preview profile is larger than wide profile")
	}

	if c.Profiles.Preview.Width != c.Display.Size || c.Profiles.Preview.Height != c.Display.Size {
		warnings = append(warnings, fmt.Sprintf("Preview profile %dx%d differs from display size %d; every frame will be resized",
			c.Profiles.Preview.Width, c.Profiles.Preview.Height, c.Display.Size))
	}

	if c.Network.CheckInterval > 0 && c.Network.ProbeTimeout > c.Network.CheckInterval {
		warnings = append(warnings, fmt.Sprintf("Probe timeout %s exceeds check interval %s",
			c.Network.ProbeTimeout, c.Network.CheckInterval))
	}

	if c.Stream.JPEGQuality < 30 {
		warnings = append(warnings, fmt.Sprintf("JPEG quality %d will produce visible artifacts", c.Stream.JPEGQuality))
	}

	if c.Server.Listen == "" {
		ok = false
		warnings = append(warnings, "Server listen address is empty")
	}

	if c.Buttons.Enabled && (c.Buttons.Start == "" || c.Buttons.Stop == "" || c.Buttons.Exit == "") {
		ok = false
		warnings = append(warnings, "Buttons enabled but a key has no GPIO assigned")
	}

	return ok, warnings
}
