package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps debug|info|warn|error to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// NewLogger creates a sugared JSON logger with the given level. Extra cores
// (such as the LIMS forwarding core) receive every entry as well.
func NewLogger(level string, extra ...zapcore.Core) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(ParseLevel(level)),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if len(extra) > 0 {
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(append([]zapcore.Core{c}, extra...)...)
		}))
	}
	logger, err := cfg.Build(opts...)
	if err != nil {
		// Fallback to a basic logger if configuration fails
		fallback, _ := zap.NewProduction()
		return fallback.Sugar()
	}
	return logger.Sugar()
}

// EnvLogLevel returns log level from LOG_LEVEL or default if unset.
func EnvLogLevel(def string) string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return def
}
