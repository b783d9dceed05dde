package webhook

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu            sync.Mutex
	guards        map[string]time.Time
	jobs          map[string]Job
	insertJobErrs []error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{guards: map[string]time.Time{}, jobs: map[string]Job{}}
}

func (store *memoryStore) InsertReplayGuard(_ context.Context, eventID string, now time.Time, expiresAt time.Time) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, ok := store.guards[eventID]; ok && existing.After(now) {
		return false, nil
	}
	store.guards[eventID] = expiresAt
	return true, nil
}

func (store *memoryStore) DeleteReplayGuard(_ context.Context, eventID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.guards, eventID)
	return nil
}

func (store *memoryStore) DeleteExpiredReplayGuards(_ context.Context, now time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var deleted int64
	for eventID, expiresAt := range store.guards {
		if !expiresAt.After(now) {
			delete(store.guards, eventID)
			deleted++
		}
	}
	return deleted, nil
}

func (store *memoryStore) InsertJob(_ context.Context, job Job) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.insertJobErrs) > 0 {
		err := store.insertJobErrs[0]
		store.insertJobErrs = store.insertJobErrs[1:]
		return false, err
	}
	if _, ok := store.jobs[job.ID]; ok {
		return false, nil
	}
	store.jobs[job.ID] = job
	return true, nil
}

func (store *memoryStore) ClaimNextJob(_ context.Context, now time.Time, staleBefore time.Time) (Job, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var due []Job
	for _, job := range store.jobs {
		if job.Attempts >= job.MaxAttempts {
			continue
		}
		pendingDue := job.Status == StatusPending && !job.NextRetryAt.After(now)
		staleClaim := job.Status == StatusProcessing && job.ClaimedAt != nil && job.ClaimedAt.Before(staleBefore)
		if pendingDue || staleClaim {
			due = append(due, job)
		}
	}
	if len(due) == 0 {
		return Job{}, false, nil
	}
	sort.Slice(due, func(left, right int) bool { return due[left].NextRetryAt.Before(due[right].NextRetryAt) })
	claimed := due[0]
	if claimed.Status == StatusProcessing {
		claimed.Attempts++
	}
	claimedAt := now
	claimed.Status = StatusProcessing
	claimed.Revision++
	claimed.ClaimedAt = &claimedAt
	store.jobs[claimed.ID] = claimed
	return claimed, true, nil
}

func (store *memoryStore) CompleteJob(_ context.Context, jobID string, revision int64, completedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := store.jobs[jobID]
	if !ok || job.Revision != revision {
		return fmt.Errorf("%w: %s", ErrClaimLost, jobID)
	}
	job.Status = StatusCompleted
	job.CompletedAt = &completedAt
	job.Revision++
	store.jobs[jobID] = job
	return nil
}

func (store *memoryStore) FailJob(_ context.Context, jobID string, revision int64, failure JobFailure) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := store.jobs[jobID]
	if !ok || job.Revision != revision {
		return fmt.Errorf("%w: %s", ErrClaimLost, jobID)
	}
	job.Attempts = failure.Attempts
	job.Status = failure.Status
	job.NextRetryAt = failure.NextRetryAt
	job.LastError = failure.LastError
	job.Revision++
	store.jobs[jobID] = job
	return nil
}

func (store *memoryStore) GetJob(_ context.Context, jobID string) (Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := store.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

func (store *memoryStore) bumpRevision(jobID string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	job := store.jobs[jobID]
	job.Revision++
	store.jobs[jobID] = job
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}

var testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("quotaguard-test-signing-key"))

func mustValidator(test *testing.T, store ReplayStore, clock *manualClock, options ...ValidatorOption) *Validator {
	test.Helper()
	validator, err := NewValidator(testSecret, store, append([]ValidatorOption{WithValidatorClock(clock.Now)}, options...)...)
	if err != nil {
		test.Fatalf("validator init: %v", err)
	}
	return validator
}

func mustQueue(test *testing.T, store Store, clock *manualClock, options ...QueueOption) *Queue {
	test.Helper()
	queue, err := NewQueue(store, append([]QueueOption{WithQueueClock(clock.Now)}, options...)...)
	if err != nil {
		test.Fatalf("queue init: %v", err)
	}
	return queue
}
