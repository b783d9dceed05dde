package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts     = 5
	defaultStaleAfter      = 2 * time.Minute
	defaultRetryBase       = time.Second
	defaultRetryMax        = 5 * time.Minute
	defaultRetryJitter     = 0.3
	retryMultiplier        = 2
	maxStoredErrorLength   = 1024
	expiredClaimError      = "processing claim expired"
	completionWriteTimeout = 10 * time.Second
)

// DrainResult reports what one DrainOne call did.
type DrainResult string

const (
	DrainIdle      DrainResult = "idle"
	DrainCompleted DrainResult = "completed"
	DrainRetrying  DrainResult = "retrying"
	DrainFailed    DrainResult = "failed"
)

// Queue is the durable retry queue for admitted deliveries.
type Queue struct {
	store       Store
	maxAttempts int
	staleAfter  time.Duration
	retryBase   time.Duration
	retryMax    time.Duration
	retryJitter float64
	nowFn       func() time.Time
	logger      *zap.Logger
	observer    Observer
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxAttempts sets the attempt budget of new jobs.
func WithMaxAttempts(maxAttempts int) QueueOption {
	return func(queue *Queue) {
		if maxAttempts > 0 {
			queue.maxAttempts = maxAttempts
		}
	}
}

// WithStaleAfter sets how long a processing claim is honoured before the job is reclaimed.
func WithStaleAfter(staleAfter time.Duration) QueueOption {
	return func(queue *Queue) {
		if staleAfter > 0 {
			queue.staleAfter = staleAfter
		}
	}
}

// WithRetryBackoff sets the exponential retry schedule. jitter is the randomization factor.
func WithRetryBackoff(base time.Duration, maximum time.Duration, jitter float64) QueueOption {
	return func(queue *Queue) {
		if base > 0 {
			queue.retryBase = base
		}
		if maximum > 0 {
			queue.retryMax = maximum
		}
		if jitter >= 0 && jitter < 1 {
			queue.retryJitter = jitter
		}
	}
}

// WithQueueClock overrides the queue clock.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(queue *Queue) {
		if now != nil {
			queue.nowFn = now
		}
	}
}

// WithQueueLogger attaches a logger.
func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(queue *Queue) {
		if logger != nil {
			queue.logger = logger
		}
	}
}

// WithQueueObserver attaches a metrics observer.
func WithQueueObserver(observer Observer) QueueOption {
	return func(queue *Queue) {
		queue.observer = observer
	}
}

// NewQueue wires a Queue over store.
func NewQueue(store Store, options ...QueueOption) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: queue store is nil", ErrInvalidConfig)
	}
	queue := &Queue{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		staleAfter:  defaultStaleAfter,
		retryBase:   defaultRetryBase,
		retryMax:    defaultRetryMax,
		retryJitter: defaultRetryJitter,
		nowFn:       func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(queue)
		}
	}
	if queue.retryMax < queue.retryBase {
		queue.retryMax = queue.retryBase
	}
	return queue, nil
}

// Enqueue stores envelope as a pending job. It reports false when the event id is already queued.
func (queue *Queue) Enqueue(ctx context.Context, envelope Envelope) (bool, error) {
	now := queue.nowFn()
	return queue.store.InsertJob(ctx, Job{
		ID:          envelope.ID,
		EventType:   envelope.Type,
		Payload:     envelope.Payload,
		MaxAttempts: queue.maxAttempts,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	})
}

// Job returns the stored job.
func (queue *Queue) Job(ctx context.Context, jobID string) (Job, error) {
	return queue.store.GetJob(ctx, jobID)
}

// DrainOne claims one due job and runs handler on it. Success completes the job; failure
// reschedules it with backoff until the attempt budget is spent, after which it is marked failed
// and kept for inspection.
func (queue *Queue) DrainOne(ctx context.Context, handler Handler) (DrainResult, error) {
	now := queue.nowFn()
	job, claimed, err := queue.store.ClaimNextJob(ctx, now, now.Add(-queue.staleAfter))
	if err != nil {
		return DrainIdle, err
	}
	if !claimed {
		return DrainIdle, nil
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionWriteTimeout)
	defer cancel()
	if job.Attempts >= job.MaxAttempts {
		return queue.expire(writeCtx, job, now)
	}
	handleErr := invoke(ctx, handler, job)

	finishedAt := queue.nowFn()
	if handleErr == nil {
		if err := queue.store.CompleteJob(writeCtx, job.ID, job.Revision, finishedAt); err != nil {
			return DrainIdle, err
		}
		queue.logger.Debug("webhook job completed", zap.String("job_id", job.ID), zap.String("event_type", job.EventType))
		queue.observe(StatusCompleted)
		return DrainCompleted, nil
	}

	failure := JobFailure{
		Attempts:  job.Attempts + 1,
		LastError: truncate(handleErr.Error(), maxStoredErrorLength),
	}
	result := DrainRetrying
	if failure.Attempts >= job.MaxAttempts {
		failure.Status = StatusFailed
		failure.NextRetryAt = finishedAt
		result = DrainFailed
		queue.logger.Error("webhook job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("event_type", job.EventType),
			zap.Int("attempts", failure.Attempts),
			zap.Error(handleErr),
		)
	} else {
		failure.Status = StatusPending
		failure.NextRetryAt = finishedAt.Add(queue.RetryDelay(failure.Attempts))
		queue.logger.Warn("webhook job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("event_type", job.EventType),
			zap.Int("attempts", failure.Attempts),
			zap.Time("next_retry_at", failure.NextRetryAt),
			zap.Error(handleErr),
		)
	}
	if err := queue.store.FailJob(writeCtx, job.ID, job.Revision, failure); err != nil {
		return DrainIdle, err
	}
	queue.observe(failure.Status)
	return result, nil
}

// expire fails a job whose abandoned runs used up the attempt budget without running it again.
func (queue *Queue) expire(ctx context.Context, job Job, now time.Time) (DrainResult, error) {
	failure := JobFailure{Attempts: job.Attempts, Status: StatusFailed, NextRetryAt: now, LastError: expiredClaimError}
	if err := queue.store.FailJob(ctx, job.ID, job.Revision, failure); err != nil {
		return DrainIdle, err
	}
	queue.logger.Error("webhook job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("event_type", job.EventType),
		zap.Int("attempts", job.Attempts),
		zap.String("reason", expiredClaimError),
	)
	queue.observe(StatusFailed)
	return DrainFailed, nil
}

// RetryDelay returns the delay before the retry that follows the given number of failed
// attempts: base doubled per attempt with jitter, never above the cap.
func (queue *Queue) RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = queue.retryBase
	schedule.MaxInterval = queue.retryMax
	schedule.Multiplier = retryMultiplier
	schedule.RandomizationFactor = queue.retryJitter
	schedule.Reset()
	var delay time.Duration
	for attempt := 0; attempt < attempts; attempt++ {
		delay = schedule.NextBackOff()
	}
	if delay > queue.retryMax {
		delay = queue.retryMax
	}
	return delay
}

func (queue *Queue) observe(status Status) {
	if queue.observer != nil {
		queue.observer.WebhookJobFinished(string(status))
	}
}

func invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("webhook handler panic: %v", recovered)
		}
	}()
	return handler.Handle(ctx, job)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
