// Package logging builds the zap logger used across the progress core.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config options used in creating the zap logger.
type Config struct {
	Level      string // debug, info, warn, error
	Env        string // development or production
	FilePath   string // log to file when set, stderr otherwise
	MaxSizeMB  int    // rotate after this many megabytes
	MaxBackups int    // rotated files to keep
	MaxAgeDays int    // rotated file retention
}

// New returns a zap logger based on the given options.
//
// Development uses a colored console encoder; production emits JSON with
// UTC timestamps. File output is rotated by lumberjack.
func New(cfg *Config) (*zap.Logger, error) {
	var core zapcore.Core
	switch cfg.Env {
	case "production":
		core = createProductionCore(cfg)
	default:
		core = createDevCore(cfg)
	}

	logger := zap.New(core, zap.AddStacktrace(zap.LevelEnablerFunc(func(lv zapcore.Level) bool {
		return lv > zap.WarnLevel
	})), zap.AddCaller())
	return logger, nil
}

func getZapLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	}
	return zap.InfoLevel
}

func createDevCore(cfg *Config) zapcore.Core {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	return zapcore.NewCore(encoder, getSyncer(cfg), levelEnabler(cfg))
}

func createProductionCore(cfg *Config) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoder(func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	})
	encoderConfig.TimeKey = "@timestamp"
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	return zapcore.NewCore(encoder, getSyncer(cfg), levelEnabler(cfg))
}

func getSyncer(cfg *Config) zapcore.WriteSyncer {
	if cfg.FilePath == "" {
		return os.Stderr
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}

func levelEnabler(cfg *Config) zapcore.LevelEnabler {
	level := getZapLevel(cfg.Level)
	return zap.LevelEnablerFunc(func(lv zapcore.Level) bool {
		return lv >= level
	})
}

// Sync flushes buffered log entries, ignoring the spurious error some
// platforms report when stderr is the sink.
func Sync(logger *zap.Logger) {
	if logger == nil {
		return
	}
	_ = logger.Sync()
}
