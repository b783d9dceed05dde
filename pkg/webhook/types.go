package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Header names of the signed delivery scheme.
const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"
)

var (
	// ErrValidationFailed matches every admission rejection.
	ErrValidationFailed = errors.New("webhook validation failed")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("webhook job not found")
	// ErrClaimLost reports that another drainer reclaimed the job before completion was recorded.
	ErrClaimLost = errors.New("webhook job claim lost")
	// ErrInvalidConfig rejects incomplete pipeline wiring.
	ErrInvalidConfig = errors.New("invalid webhook config")
)

// RejectionReason classifies an admission failure.
type RejectionReason string

const (
	ReasonMissingHeaders   RejectionReason = "missing_headers"
	ReasonPayloadTooLarge  RejectionReason = "payload_too_large"
	ReasonInvalidTimestamp RejectionReason = "invalid_timestamp"
	ReasonStaleTimestamp   RejectionReason = "stale_timestamp"
	ReasonInvalidSignature RejectionReason = "invalid_signature"
	ReasonMalformedPayload RejectionReason = "malformed_payload"
	ReasonReplay           RejectionReason = "replay"
)

// ValidationError is a typed admission rejection.
type ValidationError struct {
	Reason RejectionReason
	Detail string
}

// Error returns the formatted error message.
func (validationError *ValidationError) Error() string {
	if validationError.Detail == "" {
		return fmt.Sprintf("webhook rejected: %s", validationError.Reason)
	}
	return fmt.Sprintf("webhook rejected: %s: %s", validationError.Reason, validationError.Detail)
}

// Is reports whether target is ErrValidationFailed.
func (validationError *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func reject(reason RejectionReason, detail string) error {
	return &ValidationError{Reason: reason, Detail: detail}
}

// Envelope is an admitted delivery.
type Envelope struct {
	ID        string
	Timestamp time.Time
	Type      string
	Payload   json.RawMessage
}

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is a durable unit of webhook work.
type Job struct {
	ID          string
	EventType   string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	Status      Status
	NextRetryAt time.Time
	LastError   string
	Revision    int64
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// JobFailure is the state written after a failed attempt.
type JobFailure struct {
	Attempts    int
	Status      Status
	NextRetryAt time.Time
	LastError   string
}

// Store persists replay guards and jobs.
type Store interface {
	InsertReplayGuard(ctx context.Context, eventID string, now time.Time, expiresAt time.Time) (bool, error)
	DeleteReplayGuard(ctx context.Context, eventID string) error
	DeleteExpiredReplayGuards(ctx context.Context, now time.Time) (int64, error)
	InsertJob(ctx context.Context, job Job) (bool, error)
	// ClaimNextJob atomically moves one due job to processing, bumping its revision. It must
	// never hand the same revision to two callers. Reclaiming a stale processing job counts the
	// abandoned run as an attempt.
	ClaimNextJob(ctx context.Context, now time.Time, staleBefore time.Time) (Job, bool, error)
	CompleteJob(ctx context.Context, jobID string, revision int64, completedAt time.Time) error
	FailJob(ctx context.Context, jobID string, revision int64, failure JobFailure) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// ReplayStore is the subset of Store used during admission.
type ReplayStore interface {
	InsertReplayGuard(ctx context.Context, eventID string, now time.Time, expiresAt time.Time) (bool, error)
	DeleteReplayGuard(ctx context.Context, eventID string) error
}

// Handler applies the side effect of a job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls handlerFunc.
func (handlerFunc HandlerFunc) Handle(ctx context.Context, job Job) error {
	return handlerFunc(ctx, job)
}

// Observer receives pipeline events for metrics.
type Observer interface {
	WebhookRejected(reason string)
	WebhookJobFinished(status string)
}
