package webhook

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIngestQueuesOnceAndFlagsDuplicates(test *testing.T) {
	test.Parallel()
	clock := newManualClock()
	store := newMemoryStore()
	validator := mustValidator(test, store, clock)
	ingestor, err := NewIngestor(validator, mustQueue(test, store, clock))
	if err != nil {
		test.Fatalf("ingestor init: %v", err)
	}
	payload := []byte(subscriptionPayload)

	result, err := ingestor.Ingest(context.Background(), signedHeaders(validator, "msg_ingest", clock.Now(), payload), payload)
	if err != nil || result.Duplicate || result.EventType != "subscription.created" {
		test.Fatalf("first ingest: %+v, %v", result, err)
	}
	_, err = ingestor.Ingest(context.Background(), signedHeaders(validator, "msg_ingest", clock.Now(), payload), payload)
	if !errors.Is(err, ErrValidationFailed) {
		test.Fatalf("expected replay rejection, got %v", err)
	}

	clock.Advance(11 * time.Minute)
	result, err = ingestor.Ingest(context.Background(), signedHeaders(validator, "msg_ingest", clock.Now(), payload), payload)
	if err != nil || !result.Duplicate {
		test.Fatalf("expected duplicate after guard expiry, got %+v, %v", result, err)
	}
}

func TestIngestReleasesGuardWhenEnqueueFails(test *testing.T) {
	test.Parallel()
	clock := newManualClock()
	store := newMemoryStore()
	enqueueErr := errors.New("db: connection reset")
	store.insertJobErrs = []error{enqueueErr}
	validator := mustValidator(test, store, clock)
	ingestor, err := NewIngestor(validator, mustQueue(test, store, clock))
	if err != nil {
		test.Fatalf("ingestor init: %v", err)
	}
	payload := []byte(subscriptionPayload)

	_, err = ingestor.Ingest(context.Background(), signedHeaders(validator, "msg_lost", clock.Now(), payload), payload)
	if !errors.Is(err, enqueueErr) {
		test.Fatalf("expected the enqueue failure, got %v", err)
	}

	clock.Advance(5 * time.Second)
	result, err := ingestor.Ingest(context.Background(), signedHeaders(validator, "msg_lost", clock.Now(), payload), payload)
	if err != nil || result.Duplicate {
		test.Fatalf("expected the redelivery to be queued, got %+v, %v", result, err)
	}
	if _, err := store.GetJob(context.Background(), "msg_lost"); err != nil {
		test.Fatalf("expected the job to be stored: %v", err)
	}
}

func TestWorkerDrainsUntilCanceled(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	queue, err := NewQueue(store)
	if err != nil {
		test.Fatalf("queue init: %v", err)
	}
	handled := make(chan string, 4)
	worker, err := NewWorker(queue, HandlerFunc(func(_ context.Context, job Job) error {
		handled <- job.ID
		return nil
	}), 10*time.Millisecond, nil)
	if err != nil {
		test.Fatalf("worker init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	enqueueEnvelope(test, queue, "evt_worker_1")
	enqueueEnvelope(test, queue, "evt_worker_2")
	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case jobID := <-handled:
			seen[jobID] = true
		case <-deadline:
			test.Fatalf("worker did not drain jobs, saw %v", seen)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("worker did not stop")
	}
}

func TestNewWorkerValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewWorker(nil, HandlerFunc(func(context.Context, Job) error { return nil }), 0, nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewIngestor(nil, nil); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
