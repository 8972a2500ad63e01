// Package logging sets up the structured logger used across the module,
// replacing the teacher's ad-hoc colored console logger with zap while
// keeping the same small set of named levels the rest of the tree expects.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Development enables human-readable, colorized console output instead
	// of JSON, mirroring the teacher's console-first logging during
	// development.
	Development bool
}

// New builds a *zap.SugaredLogger per cfg. Callers should defer Sync() on
// the returned logger.
func New(cfg Config) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests and callers that
// don't want output.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
