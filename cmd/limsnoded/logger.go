package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Roelanb/limsnode/internal/observability"
)

// newCLILogger logs to stderr in console form so stdout keeps the tables.
func newCLILogger(level string) *zap.SugaredLogger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(observability.ParseLevel(level)),
		Encoding:         "console",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
