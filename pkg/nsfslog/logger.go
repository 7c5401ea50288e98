// Package nsfslog builds the single *zap.Logger instance that every nsfs
// component receives at construction time. There is no package-level
// global: spec §9 requires the buffer pool and caches to be explicit
// handles owned by a Store value, and the logger follows the same rule.
package nsfslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's verbosity and output format.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// JSON selects structured JSON output over human-readable console output.
	JSON bool
}

// New builds a *zap.Logger from Config, defaulting to info-level console
// output when cfg is the zero value.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	zcfg := zap.NewProductionConfig()
	if !cfg.JSON {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableStacktrace = true

	return zcfg.Build()
}

// Nop returns a logger that discards everything, for tests and callers
// that don't want log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
