// Package logging builds the zap loggers shared by the page feed
// subsystems. Everything hangs off one root logger; subsystems tag
// themselves with Component so a page fetch, a token refresh, and a drip
// dispatch are distinguishable in one interleaved log.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. Development mode trades structured JSON for
// colored console output at debug level; production logs JSON at info.
func New(development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build root logger: %w", err)
	}
	return logger, nil
}

// Component returns a child logger tagged with the subsystem name, falling
// back to a no-op logger when the parent is nil.
func Component(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.Named(name)
}
