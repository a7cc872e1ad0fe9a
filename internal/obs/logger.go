// Copyright 2025 James Ross
package obs

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the pipeline's structured JSON logger. Every line carries
// a "service" field so the ingest, pipeline, and admin roles are separable in
// a shared log sink.
func NewLogger(level, service string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if service != "" {
		log = log.With(zap.String("service", service))
	}
	return log, nil
}

// Convenience typed fields so callers don't import zap directly.
func String(k, v string) zap.Field                 { return zap.String(k, v) }
func Int(k string, v int) zap.Field                { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field            { return zap.Int64(k, v) }
func Float64(k string, v float64) zap.Field        { return zap.Float64(k, v) }
func Bool(k string, v bool) zap.Field              { return zap.Bool(k, v) }
func Duration(k string, v time.Duration) zap.Field { return zap.Duration(k, v) }
func Err(err error) zap.Field                      { return zap.Error(err) }
