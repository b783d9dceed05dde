package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultPollInterval = time.Second

// Worker drains the queue until its context ends.
type Worker struct {
	queue        *Queue
	handler      Handler
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewWorker wires a Worker. A non-positive pollInterval uses one second.
func NewWorker(queue *Queue, handler Handler, pollInterval time.Duration, logger *zap.Logger) (*Worker, error) {
	if queue == nil || handler == nil {
		return nil, fmt.Errorf("%w: worker needs a queue and a handler", ErrInvalidConfig)
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, handler: handler, pollInterval: pollInterval, logger: logger}, nil
}

// Run drains jobs back to back while work is available and polls otherwise.
func (worker *Worker) Run(ctx context.Context) error {
	worker.logger.Info("webhook worker started", zap.Duration("poll_interval", worker.pollInterval))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			worker.logger.Info("webhook worker stopped")
			return nil
		case <-timer.C:
		}
		for ctx.Err() == nil {
			result, err := worker.queue.DrainOne(ctx, worker.handler)
			if err != nil {
				if ctx.Err() == nil {
					worker.logger.Error("webhook drain failed", zap.Error(err))
				}
				break
			}
			if result == DrainIdle {
				break
			}
		}
		timer.Reset(worker.pollInterval)
	}
}

// IngestResult describes an accepted delivery.
type IngestResult struct {
	EventID   string
	EventType string
	Duplicate bool
}

// Ingestor admits and enqueues deliveries. Side effects run later on the worker.
type Ingestor struct {
	validator *Validator
	queue     *Queue
}

// NewIngestor wires an Ingestor.
func NewIngestor(validator *Validator, queue *Queue) (*Ingestor, error) {
	if validator == nil || queue == nil {
		return nil, fmt.Errorf("%w: ingestor needs a validator and a queue", ErrInvalidConfig)
	}
	return &Ingestor{validator: validator, queue: queue}, nil
}

// Ingest validates the delivery and enqueues it. A delivery whose event id is already queued is
// accepted as a duplicate. When the enqueue fails the replay guard is released so the provider's
// retry is not rejected as a replay.
func (ingestor *Ingestor) Ingest(ctx context.Context, headers http.Header, payload []byte) (IngestResult, error) {
	envelope, err := ingestor.validator.Validate(ctx, headers, payload)
	if err != nil {
		return IngestResult{}, err
	}
	inserted, err := ingestor.queue.Enqueue(ctx, envelope)
	if err != nil {
		if releaseErr := ingestor.validator.Release(context.WithoutCancel(ctx), envelope.ID); releaseErr != nil {
			return IngestResult{}, errors.Join(err, fmt.Errorf("release replay guard: %w", releaseErr))
		}
		return IngestResult{}, err
	}
	return IngestResult{EventID: envelope.ID, EventType: envelope.Type, Duplicate: !inserted}, nil
}
