package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// ConfigureLogging
// =============================================================================

// ConfigureLogging builds the process logger from cfg.Logging.
//
// Output goes to a size-rotated file (lumberjack) and, optionally, to
// stdout. The standard library log package is redirected into the same
// logger so third-party output lands in one place.
//
// Returns a cleanup function that flushes and closes the sinks; it must be
// called on shutdown. A non-nil error means the file sink could not be
// created; the returned logger is still usable and writes to stdout.
func ConfigureLogging(cfg *Config) (*zap.SugaredLogger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core
	var rotator *lumberjack.Logger
	var fileErr error

	if cfg.Logging.File != "" {
		if dir := filepath.Dir(cfg.Logging.File); dir != "" {
			fileErr = os.MkdirAll(dir, 0o755)
		}
		if fileErr == nil {
			rotator = &lumberjack.Logger{
				Filename:   cfg.Logging.File,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAge:     cfg.Logging.MaxAgeDays,
			}
			cores = append(cores, zapcore.NewCore(
				zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(rotator), level))
		}
	}

	// Fallback: if no file sink, always log to stdout.
	if cfg.Logging.Stdout || len(cores) == 0 {
		stdoutCfg := encCfg
		stdoutCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(stdoutCfg), zapcore.Lock(os.Stdout), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	restoreStdLog := zap.RedirectStdLog(logger.Named("stdlog"))

	sugar := logger.Sugar()

	cleanup := func() {
		_ = logger.Sync()
		restoreStdLog()
		if rotator != nil {
			_ = rotator.Close()
		}
	}

	if err != nil {
		sugar.Warnw("unknown log level, using info", "level", cfg.Logging.Level)
	}
	return sugar, cleanup, errors.Wrap(fileErr, "config: create log dir")
}
