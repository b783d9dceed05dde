package quota

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a quota decision or a state-changing operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	AnonymousID    string
	Action         string
	IdempotencyKey IdempotencyKey
	Reason         DenialReason
	Usage          Usage
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLogger sets the structured logger used for usage threshold warnings.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.zapLogger = logger
		}
	}
}

// WithRateLimiter puts a rate limiter in front of quota checks.
func WithRateLimiter(limiter RateLimiter) ServiceOption {
	return func(service *Service) {
		service.limiter = limiter
	}
}

// WithSnapshotCache accelerates quota reads for authenticated accounts.
func WithSnapshotCache(snapshotCache SnapshotCache) ServiceOption {
	return func(service *Service) {
		service.cache = snapshotCache
	}
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(service *Service) {
		if now != nil {
			service.nowFn = now
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

var usageThresholds = []struct {
	percent int64
	level   func(logger *zap.Logger, message string, fields ...zap.Field)
}{
	{percent: 90, level: (*zap.Logger).Error},
	{percent: 75, level: (*zap.Logger).Warn},
	{percent: 50, level: (*zap.Logger).Info},
}

// logThresholdCrossing reports the highest usage threshold crossed by moving from before to after units.
func (service *Service) logThresholdCrossing(accountID AccountID, before int64, after int64, limit int64) {
	if limit <= 0 {
		return
	}
	for _, threshold := range usageThresholds {
		boundary := threshold.percent * limit
		if before*100 < boundary && after*100 >= boundary {
			threshold.level(service.zapLogger, "usage threshold crossed",
				zap.String("account_id", accountID.String()),
				zap.Int64("threshold_percent", threshold.percent),
				zap.Int64("usage", after),
				zap.Int64("limit", limit),
			)
			return
		}
	}
}
