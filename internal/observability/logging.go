package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/model"
)

type loggerKey struct{}

// NewLogger creates a JSON zap.Logger writing to stdout.
//
// Level conventions:
//   - error: infrastructure failures (store down, outbox update failed), 5xx responses
//   - warn:  degraded operation (engine unavailable, channel failure, recipient dropped, intervention required)
//   - info:  lifecycle (instance started, transitioned, cancelled; escalation raised; server start and stop)
//   - debug: per-event dispatch detail
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "grcflow"},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger with the caller's tenant, actor,
// and correlation fields attached.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// Workflow variables often carry assessment answers and contact details.
// These names are masked before variables reach a debug log line.
var sensitiveVariables = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"authorization",
	"ssn",
	"national_id",
	"bank_account",
	"salary",
	"date_of_birth",
}

// RedactVariables returns a copy of vars with sensitive entries masked. A key
// is sensitive when it contains one of the known names or one of extra.
func RedactVariables(vars map[string]any, extra ...string) map[string]any {
	if vars == nil {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		switch {
		case isSensitive(k, extra):
			out[k] = "[REDACTED]"
		case isMap(v):
			out[k] = RedactVariables(v.(map[string]any), extra...)
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitive(key string, extra []string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveVariables {
		if strings.Contains(k, s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.Contains(k, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}
