package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	Level    string
	Env      string
	Encoding string
	Service  string
}

// LoggerConfig derives the zap settings from the loaded service config.
func (c *Config) LoggerConfig(service string) LoggerConfig {
	return LoggerConfig{
		Level:    c.Logger.Level,
		Env:      c.Env,
		Encoding: c.Logger.Encoding,
		Service:  service,
	}
}

// NewLogger builds a sampled JSON logger for prod and a console logger elsewhere.
// Encoding, when set, overrides the env default.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	if cfg.Env == "prod" {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "ts"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	switch cfg.Encoding {
	case "":
	case "json", "console":
		zapCfg.Encoding = cfg.Encoding
	default:
		return nil, fmt.Errorf("unknown log encoding %q", cfg.Encoding)
	}

	if cfg.Service != "" {
		zapCfg.InitialFields = map[string]any{"service": cfg.Service}
	}

	return zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}
