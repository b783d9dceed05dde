package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/cache"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/ratelimit"
)

const (
	actionCreate      = "create"
	anonymousVisitorA = "anon_visitor_a"
	anonymousVisitorB = "anon_visitor_b"
)

type stubLimiter struct {
	mu     sync.Mutex
	deny   map[string]bool
	checks []string
}

func (limiter *stubLimiter) Check(_ context.Context, identifier string, tier string, endpointClass string) ratelimit.Result {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.checks = append(limiter.checks, tier+"/"+endpointClass+"/"+identifier)
	if limiter.deny[endpointClass] {
		return ratelimit.Result{Allowed: false, Limit: 1, RetryAfter: time.Minute}
	}
	return ratelimit.Result{Allowed: true, Limit: 10, Remaining: 9}
}

func recordOne(test *testing.T, service *Service, subject Subject) error {
	test.Helper()
	_, err := service.RecordUsageEvent(context.Background(), subject, mustAction(test, actionCreate), "resource", MetadataJSON{}, IdempotencyKey{})
	return err
}

func TestRecordUsageEventCountsEventsNotResources(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	subject := mustAccountSubject(test, "deletion-user")

	if err := recordOne(test, service, subject); err != nil {
		test.Fatalf("first consumption: %v", err)
	}
	// The consumed resource is deleted outside the ledger; nothing in the store changes.
	for attempt := 2; attempt <= 3; attempt++ {
		if err := recordOne(test, service, subject); err != nil {
			test.Fatalf("consumption %d: %v", attempt, err)
		}
	}
	if err := recordOne(test, service, subject); !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded on the fourth consumption, got %v", err)
	}
	if store.eventCount() != 3 {
		test.Fatalf("expected 3 usage events, got %d", store.eventCount())
	}
	account := store.account(test, subject.AccountID())
	if account.UsageCount != 3 || account.Version != 3 {
		test.Fatalf("unexpected account state: %+v", account)
	}
}

func TestRecordUsageEventStoresPlanSnapshotInMetadata(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	subject := mustAccountSubject(test, "metadata-user")
	metadata, err := NewMetadataJSON(`{"source":"editor"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}

	event, err := service.RecordUsageEvent(context.Background(), subject, mustAction(test, actionCreate), "doc-1", metadata, mustIdempotencyKey(test, "req-1"))
	if err != nil {
		test.Fatalf("record: %v", err)
	}
	if event.Type != EventUnitConsumed || event.ResourceRef != "doc-1" || event.ID == "" {
		test.Fatalf("unexpected event: %+v", event)
	}
	for key, expected := range map[string]string{MetadataKeyPlan: "free", MetadataKeyAction: actionCreate, "source": "editor"} {
		if value, _ := event.Metadata.Lookup(key); value != expected {
			test.Fatalf("expected metadata %s=%s, got %q", key, expected, value)
		}
	}
}

func TestRecordUsageEventRejectsDuplicateIdempotencyKey(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	subject := mustAccountSubject(test, "idem-user")
	key := mustIdempotencyKey(test, "client-retry")

	if _, err := service.RecordUsageEvent(context.Background(), subject, mustAction(test, actionCreate), "", MetadataJSON{}, key); err != nil {
		test.Fatalf("first record: %v", err)
	}
	_, err := service.RecordUsageEvent(context.Background(), subject, mustAction(test, actionCreate), "", MetadataJSON{}, key)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	account := store.account(test, subject.AccountID())
	if account.UsageCount != 1 {
		test.Fatalf("expected usage 1 after rolled back duplicate, got %d", account.UsageCount)
	}
}

func TestAnonymousQuotaIsPerVisitor(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	visitorA := mustAnonymousSubject(test, anonymousVisitorA)
	visitorB := mustAnonymousSubject(test, anonymousVisitorB)

	if err := recordOne(test, service, visitorA); err != nil {
		test.Fatalf("visitor A first: %v", err)
	}
	if err := recordOne(test, service, visitorA); !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected visitor A to be exhausted, got %v", err)
	}
	if err := recordOne(test, service, visitorB); err != nil {
		test.Fatalf("visitor B first: %v", err)
	}
	decision, err := service.CheckAndReserve(context.Background(), visitorA, mustAction(test, actionCreate))
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonQuotaExceeded {
		test.Fatalf("expected quota denial, got %+v", decision)
	}
	if decision.Usage.Plan != TierAnonymous || decision.Usage.Limit != 1 {
		test.Fatalf("unexpected anonymous usage: %+v", decision.Usage)
	}
}

func TestCheckAndReserveRateLimitComesFirst(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	limiter := &stubLimiter{deny: map[string]bool{actionCreate: true}}
	store.countErr = errors.New("ledger must not be read")
	service := mustService(test, store, newMutexLocker(), WithRateLimiter(limiter))

	decision, err := service.CheckAndReserve(context.Background(), mustAnonymousSubject(test, anonymousVisitorA), mustAction(test, actionCreate))
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonRateLimited {
		test.Fatalf("expected rate limit denial, got %+v", decision)
	}
}

func TestCheckAndReserveAppliesNetworkBackstop(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	limiter := &stubLimiter{deny: map[string]bool{actionCreate + NetworkEndpointSuffix: true}}
	service := mustService(test, store, newMutexLocker(), WithRateLimiter(limiter))

	decision, err := service.CheckAndReserve(context.Background(), mustAnonymousSubject(test, anonymousVisitorA), mustAction(test, actionCreate))
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonRateLimited {
		test.Fatalf("expected network backstop denial, got %+v", decision)
	}
	if len(limiter.checks) != 2 || limiter.checks[1] != "anonymous/create_network/203.0.113.0/24" {
		test.Fatalf("unexpected limiter checks: %v", limiter.checks)
	}
}

func TestCheckAndReserveRecountsNearLimitSnapshot(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	snapshots := cache.NewManager(cache.NewMemoryBackend(nil))
	service := mustService(test, store, newMutexLocker(), WithSnapshotCache(snapshots))
	subject := mustAccountSubject(test, "near-limit-user")
	for attempt := 0; attempt < 2; attempt++ {
		if err := recordOne(test, service, subject); err != nil {
			test.Fatalf("record: %v", err)
		}
	}
	decision, err := service.CheckAndReserve(context.Background(), subject, mustAction(test, actionCreate))
	if err != nil || !decision.Allowed {
		test.Fatalf("expected allowance with one unit left, got %+v, %v", decision, err)
	}
	// A unit recorded behind the cache's back must still be seen once the account is near its limit.
	now := time.Now().UTC()
	if err := store.InsertUsageEvent(context.Background(), UsageEvent{ID: "external", AccountID: subject.AccountID(), Type: EventUnitConsumed, CreatedAt: now}); err != nil {
		test.Fatalf("insert: %v", err)
	}

	decision, err = service.CheckAndReserve(context.Background(), subject, mustAction(test, actionCreate))
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonQuotaExceeded || decision.Usage.Current != 3 {
		test.Fatalf("expected authoritative denial, got %+v", decision)
	}
}

func TestRecordUsageEventInvalidatesSnapshot(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	snapshots := cache.NewManager(cache.NewMemoryBackend(nil))
	service := mustService(test, store, newMutexLocker(), WithSnapshotCache(snapshots))
	subject := mustAccountSubject(test, "invalidate-user")

	if _, err := service.CheckAndReserve(context.Background(), subject, mustAction(test, actionCreate)); err != nil {
		test.Fatalf("warm cache: %v", err)
	}
	if err := recordOne(test, service, subject); err != nil {
		test.Fatalf("record: %v", err)
	}
	decision, err := service.CheckAndReserve(context.Background(), subject, mustAction(test, actionCreate))
	if err != nil {
		test.Fatalf("check: %v", err)
	}
	if decision.Usage.Current != 1 {
		test.Fatalf("expected fresh usage 1 after invalidation, got %d", decision.Usage.Current)
	}
}

func TestRecordUsageEventMapsLockContention(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, busyLocker{})

	err := recordOne(test, service, mustAccountSubject(test, "busy-user"))
	if !errors.Is(err, ErrLockUnavailable) {
		test.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if store.eventCount() != 0 {
		test.Fatalf("expected no events, got %d", store.eventCount())
	}
}

func TestRecordUsageEventSerializesPerSubject(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	subject := mustAccountSubject(test, "race-user")

	var (
		wait     sync.WaitGroup
		mu       sync.Mutex
		accepted int
		denied   int
	)
	for worker := 0; worker < 10; worker++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			err := recordOne(test, service, subject)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrQuotaExceeded):
				denied++
			}
		}()
	}
	wait.Wait()
	if accepted != 3 || denied != 7 {
		test.Fatalf("expected 3 accepted and 7 denied, got %d and %d", accepted, denied)
	}
}

func TestApplyPlanRaisesCeilingIdempotently(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	accountID := mustAccountID(test, "upgrade-user")

	updated, err := service.ApplyPlan(context.Background(), accountID, TierPro, "evt-1")
	if err != nil {
		test.Fatalf("apply plan: %v", err)
	}
	if updated.Plan != TierPro || updated.UsageLimit != 100 {
		test.Fatalf("unexpected account after upgrade: %+v", updated)
	}
	_, err = service.ApplyPlan(context.Background(), accountID, TierPro, "evt-1")
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected duplicate reference to be rejected, got %v", err)
	}
	if account := store.account(test, accountID); account.Version != 1 {
		test.Fatalf("expected one committed version bump, got %d", account.Version)
	}
}

func TestResetUsageRestartsCount(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	service := mustService(test, store, newMutexLocker(), WithClock(func() time.Time { return clock }))
	subject := mustAccountSubject(test, "reset-user")
	for attempt := 0; attempt < 3; attempt++ {
		if err := recordOne(test, service, subject); err != nil {
			test.Fatalf("record: %v", err)
		}
	}
	clock = clock.Add(time.Second)
	if _, err := service.ResetUsage(context.Background(), subject.AccountID(), "renewal-1"); err != nil {
		test.Fatalf("reset: %v", err)
	}
	clock = clock.Add(time.Second)

	usage, err := service.Usage(context.Background(), subject)
	if err != nil {
		test.Fatalf("usage: %v", err)
	}
	if usage.Current != 0 || usage.Remaining() != 3 {
		test.Fatalf("expected fresh window, got %+v", usage)
	}
	if err := recordOne(test, service, subject); err != nil {
		test.Fatalf("record after reset: %v", err)
	}
}

func TestDeleteAccountCascades(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	subject := mustAccountSubject(test, "delete-user")
	if err := recordOne(test, service, subject); err != nil {
		test.Fatalf("record: %v", err)
	}
	if err := service.DeleteAccount(context.Background(), subject.AccountID()); err != nil {
		test.Fatalf("delete: %v", err)
	}
	if store.eventCount() != 0 {
		test.Fatalf("expected events to be removed, got %d", store.eventCount())
	}
	if _, err := store.GetAccount(context.Background(), subject.AccountID()); !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected account to be removed, got %v", err)
	}
}

func TestEnterpriseIsUnbounded(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	service := mustService(test, store, newMutexLocker())
	accountID := mustAccountID(test, "enterprise-user")
	if _, err := service.EnsureAccount(context.Background(), accountID, TierEnterprise); err != nil {
		test.Fatalf("ensure: %v", err)
	}
	subject := mustAccountSubject(test, "enterprise-user")
	for attempt := 0; attempt < 10; attempt++ {
		if err := recordOne(test, service, subject); err != nil {
			test.Fatalf("record %d: %v", attempt, err)
		}
	}
	usage, err := service.Usage(context.Background(), subject)
	if err != nil {
		test.Fatalf("usage: %v", err)
	}
	if !usage.Unbounded || usage.Remaining() != -1 {
		test.Fatalf("expected unbounded usage, got %+v", usage)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	updater := mustUpdater(test, store)
	testCases := []struct {
		name    string
		store   Store
		updater *Updater
		locker  AccountLocker
		plans   PlanCatalog
	}{
		{name: "nil store", updater: updater, locker: newMutexLocker(), plans: DefaultPlanCatalog()},
		{name: "nil updater", store: store, locker: newMutexLocker(), plans: DefaultPlanCatalog()},
		{name: "nil locker", store: store, updater: updater, plans: DefaultPlanCatalog()},
		{name: "missing plan", store: store, updater: updater, locker: newMutexLocker(), plans: PlanCatalog{}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewService(testCase.store, testCase.updater, testCase.locker, testCase.plans)
			if !errors.Is(err, ErrInvalidServiceConfig) {
				test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
			}
		})
	}
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
	stale       []string
}

func (recorder *recordingCache) AccountSnapshot(ctx context.Context, _ string, loader cache.Loader) (cache.AccountSnapshot, bool, error) {
	snapshot, err := loader(ctx)
	return snapshot, false, err
}

func (recorder *recordingCache) Invalidate(_ context.Context, accountID string, event string) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.invalidated = append(recorder.invalidated, accountID+"/"+event)
}

func (recorder *recordingCache) InvalidateRelated(ctx context.Context, accountID string, event string) {
	recorder.Invalidate(ctx, accountID, event)
}

func (recorder *recordingCache) MarkStale(_ context.Context, accountID string, event string) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.stale = append(recorder.stale, accountID+"/"+event)
}

func TestUnknownWriteOutcomeMarksSnapshotStale(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	recorder := &recordingCache{}
	service := mustService(test, store, newMutexLocker(), WithSnapshotCache(recorder))
	subject := mustAccountSubject(test, "stale-user")

	store.commitErr = errors.New("commit acknowledgement lost")
	if err := recordOne(test, service, subject); err == nil {
		test.Fatalf("expected the commit failure to surface")
	}
	if len(recorder.stale) != 1 || recorder.stale[0] != "stale-user/usage_recorded" {
		test.Fatalf("expected one stale marker, got %v", recorder.stale)
	}
	if _, err := service.ApplyPlan(context.Background(), subject.AccountID(), TierPro, "sub-lost"); err == nil {
		test.Fatalf("expected the plan change to fail")
	}
	if len(recorder.stale) != 2 || recorder.stale[1] != "stale-user/plan_changed" {
		test.Fatalf("expected plan change to mark stale, got %v", recorder.stale)
	}
	if len(recorder.invalidated) != 0 {
		test.Fatalf("failed writes must not invalidate, got %v", recorder.invalidated)
	}
}

func TestRefusedWriteLeavesSnapshotFresh(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	recorder := &recordingCache{}
	service := mustService(test, store, newMutexLocker(), WithSnapshotCache(recorder))
	subject := mustAccountSubject(test, "refused-user")

	for attempt := 0; attempt < 3; attempt++ {
		if err := recordOne(test, service, subject); err != nil {
			test.Fatalf("consumption %d: %v", attempt, err)
		}
	}
	if err := recordOne(test, service, subject); !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if len(recorder.stale) != 0 {
		test.Fatalf("a refusal writes nothing and must not mark stale, got %v", recorder.stale)
	}
	if len(recorder.invalidated) != 3 {
		test.Fatalf("expected one invalidation per recorded unit, got %v", recorder.invalidated)
	}
}
