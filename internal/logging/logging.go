package logging

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	formatConsole = "console"
	serviceName   = "quotad"
)

type correlationKey struct{}

// New builds the process logger. level is one of debug, info, warn or error and format is json or
// console.
func New(level string, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	if format == formatConsole {
		cfg.Encoding = formatConsole
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level == "" {
		level = "info"
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName)), nil
}

// WithCorrelationID stores the request correlation id on ctx.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID returns the correlation id stored on ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationKey{}).(string)
	return value
}

// FromContext returns logger annotated with the correlation id carried by ctx.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if correlationID := CorrelationID(ctx); correlationID != "" {
		return logger.With(zap.String("correlation_id", correlationID))
	}
	return logger
}

// OperationLogger writes quota operations as structured log lines.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger. A nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

var _ quota.OperationLogger = (*OperationLogger)(nil)

// LogOperation logs failures at error level, denials at info and everything else at debug.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry quota.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if accountID := entry.AccountID.String(); accountID != "" {
		fields = append(fields, zap.String("account_id", accountID))
	}
	if entry.AnonymousID != "" {
		fields = append(fields, zap.String("anonymous_id", entry.AnonymousID))
	}
	if entry.Action != "" {
		fields = append(fields, zap.String("action", entry.Action))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", string(entry.Reason)))
	}
	if entry.Usage.Plan != "" {
		fields = append(fields,
			zap.String("plan", entry.Usage.Plan.String()),
			zap.Int64("usage", entry.Usage.Current),
			zap.Int64("limit", entry.Usage.Limit),
		)
	}
	logger := FromContext(ctx, operationLogger.logger)
	switch {
	case entry.Error != nil:
		logger.Error("quota operation failed", append(fields, zap.Error(entry.Error))...)
	case entry.Reason != "":
		logger.Info("quota request denied", fields...)
	default:
		logger.Debug("quota operation", fields...)
	}
}
