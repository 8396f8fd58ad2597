// Package rtlog builds the supervisor's operational zap logger. This is
// distinct from internal/logwriter's plain-text service log format: rtlog
// is what the supervisor itself uses to narrate its own behavior (HTTP
// access log, process lifecycle, fatal-path diagnostics), never what ends
// up in a service's on-disk log file or pub/sub stream.
package rtlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger writing to stderr. debug selects development
// mode (console encoding, debug level, caller info); otherwise production
// JSON encoding at info level is used.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }
