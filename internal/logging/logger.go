package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production ready structured logger. An empty or
// unknown level keeps the production default (info).
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(strings.TrimSpace(level)); err == nil && level != "" {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and diagnosis identifiers.
func WithOperation(logger *zap.Logger, operation, diagnosisID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if diagnosisID != "" {
		fields = append(fields, zap.String("diagnosis_id", diagnosisID))
	}
	return logger.With(fields...)
}
