package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the process-wide logger. Grounded on
// cmd/agentflow/main.go's initLogger: level name, json-vs-console encoding,
// and a list of output sinks.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LOG_LEVEL"`
	Format      string   `yaml:"format" env:"LOG_FORMAT"` // "json" | "console"
	OutputPaths []string `yaml:"output_paths" env:"LOG_OUTPUT_PATHS" envSeparator:","`
}

// DefaultLogConfig returns a production-sane default: info level, json
// encoding, stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// NewLogger builds a *zap.Logger from cfg, falling back to zap.NewProduction
// if the configured encoder/sinks fail to build (cmd/agentflow/main.go's
// same fallback).
func NewLogger(cfg LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := cfg.Format
	if encoding == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
