package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/cache"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/lock"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/ratelimit"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// RateLimiter throttles requests per identity, tier and endpoint class.
type RateLimiter interface {
	Check(ctx context.Context, identifier string, tier string, endpointClass string) ratelimit.Result
}

// SnapshotCache caches account snapshots in front of the ledger store.
type SnapshotCache interface {
	AccountSnapshot(ctx context.Context, accountID string, loader cache.Loader) (cache.AccountSnapshot, bool, error)
	Invalidate(ctx context.Context, accountID string, event string)
	InvalidateRelated(ctx context.Context, accountID string, event string)
	MarkStale(ctx context.Context, accountID string, event string)
}

// AccountLocker serializes writes for one subject across instances.
type AccountLocker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, options ...lock.Option) error
}

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	Allowed   bool
	Reason    DenialReason
	Usage     Usage
	RateLimit ratelimit.Result
}

// Service enforces quotas over the usage ledger.
type Service struct {
	store     Store
	updater   *Updater
	locker    AccountLocker
	plans     PlanCatalog
	limiter   RateLimiter
	cache     SnapshotCache
	nowFn     func() time.Time
	logger    OperationLogger
	zapLogger *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, updater *Updater, locker AccountLocker, plans PlanCatalog, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if updater == nil {
		return nil, fmt.Errorf("%w: updater dependency is nil", ErrInvalidServiceConfig)
	}
	if locker == nil {
		return nil, fmt.Errorf("%w: locker dependency is nil", ErrInvalidServiceConfig)
	}
	if err := plans.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	service := &Service{
		store:     store,
		updater:   updater,
		locker:    locker,
		plans:     plans,
		nowFn:     func() time.Time { return time.Now().UTC() },
		zapLogger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CheckAndReserve decides whether subject may perform action now. The rate limiter is consulted
// first, then the quota. Authenticated reads may be served from the cache; near the ceiling,
// and always for anonymous callers, the ledger is counted directly.
func (service *Service) CheckAndReserve(ctx context.Context, subject Subject, action Action) (Decision, error) {
	decision, err := service.checkAndReserve(ctx, subject, action)
	service.logOperation(ctx, OperationLog{
		Operation:   operationCheckAndReserve,
		AccountID:   subject.AccountID(),
		AnonymousID: subject.AnonymousID(),
		Action:      action.String(),
		Reason:      decision.Reason,
		Usage:       decision.Usage,
		Error:       err,
	})
	return decision, err
}

func (service *Service) checkAndReserve(ctx context.Context, subject Subject, action Action) (Decision, error) {
	if err := validateRequest(subject, action); err != nil {
		return Decision{}, err
	}
	if subject.IsAnonymous() {
		rateLimit := service.rateLimit(ctx, subject, TierAnonymous, action)
		if !rateLimit.Allowed {
			return Decision{Reason: ReasonRateLimited, RateLimit: rateLimit}, nil
		}
		usage, _, err := service.authoritativeUsage(ctx, service.store, subject)
		if err != nil {
			return Decision{}, err
		}
		return decide(usage, rateLimit), nil
	}

	snapshot, cached, err := service.accountSnapshot(ctx, subject)
	if err != nil {
		return Decision{}, err
	}
	usage := usageFromSnapshot(snapshot)
	rateLimit := service.rateLimit(ctx, subject, usage.Plan, action)
	if !rateLimit.Allowed {
		return Decision{Reason: ReasonRateLimited, Usage: usage, RateLimit: rateLimit}, nil
	}
	if cached && snapshot.NearLimit() {
		usage, _, err = service.authoritativeUsage(ctx, service.store, subject)
		if err != nil {
			return Decision{}, err
		}
	}
	return decide(usage, rateLimit), nil
}

func decide(usage Usage, rateLimit ratelimit.Result) Decision {
	if usage.Exhausted() {
		return Decision{Reason: ReasonQuotaExceeded, Usage: usage, RateLimit: rateLimit}
	}
	return Decision{Allowed: true, Usage: usage, RateLimit: rateLimit}
}

// RecordUsageEvent durably consumes one unit for subject. Under the subject lock it recounts the
// ledger, refuses with ErrQuotaExceeded at the ceiling, then bumps the account version and appends
// the event in one transaction.
func (service *Service) RecordUsageEvent(ctx context.Context, subject Subject, action Action, resourceRef string, metadata MetadataJSON, idempotencyKey IdempotencyKey) (UsageEvent, error) {
	var (
		recorded UsageEvent
		usage    Usage
	)
	operationError := validateRequest(subject, action)
	if operationError == nil {
		operationError = service.WithAccountLock(ctx, subject, func(ctx context.Context) error {
			current, account, err := service.authoritativeUsage(ctx, service.store, subject)
			if err != nil {
				return err
			}
			usage = current
			if current.Exhausted() {
				return ErrQuotaExceeded
			}
			eventMetadata, err := service.eventMetadata(metadata, account.Plan, action, subject)
			if err != nil {
				return err
			}
			now := service.nowFn()
			event := UsageEvent{
				ID:             newEventID(now),
				AccountID:      account.ID,
				Type:           EventUnitConsumed,
				ResourceRef:    resourceRef,
				Metadata:       eventMetadata,
				IdempotencyKey: idempotencyKey,
				CreatedAt:      now,
			}
			_, err = service.updater.UpdateAccount(ctx, account.ID, func(current Account) (Account, error) {
				current.UsageCount++
				return current, nil
			}, WithCommitHook(func(ctx context.Context, txStore Store, _ Account) error {
				return txStore.InsertUsageEvent(ctx, event)
			}))
			if err != nil {
				return err
			}
			recorded = event
			usage.Current++
			return nil
		})
	}
	if operationError == nil {
		service.invalidate(ctx, subject.AccountID(), cacheEventUsageRecorded)
		if !usage.Unbounded {
			service.logThresholdCrossing(subject.AccountID(), usage.Current-1, usage.Current, usage.Limit)
		}
	} else {
		service.markStaleOnUnknownOutcome(ctx, subject.AccountID(), cacheEventUsageRecorded, operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRecordUsage,
		AccountID:      subject.AccountID(),
		AnonymousID:    subject.AnonymousID(),
		Action:         action.String(),
		IdempotencyKey: idempotencyKey,
		Usage:          usage,
		Error:          operationError,
	})
	return recorded, operationError
}

// Usage returns the authoritative consumption of subject.
func (service *Service) Usage(ctx context.Context, subject Subject) (Usage, error) {
	if subject.AccountID().String() == "" {
		return Usage{}, ErrInvalidSubject
	}
	usage, _, err := service.authoritativeUsage(ctx, service.store, subject)
	return usage, err
}

// WithAccountLock runs fn while holding the subject's distributed lock.
func (service *Service) WithAccountLock(ctx context.Context, subject Subject, fn func(ctx context.Context) error) error {
	err := service.locker.WithLock(ctx, subject.LockKey(), fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		return WrapError(errorOperationService, errorSubjectAccount, errorCodeLock, fmt.Errorf("%w: %w", ErrLockUnavailable, err))
	}
	return err
}

// EnsureAccount creates the account with tier defaults when it does not exist yet.
func (service *Service) EnsureAccount(ctx context.Context, accountID AccountID, tier Tier) (Account, error) {
	var account Account
	operationError := func() error {
		defaults, err := service.defaultAccount(accountID, tier)
		if err != nil {
			return err
		}
		account, err = service.store.GetOrCreateAccount(ctx, defaults)
		return err
	}()
	if operationError == nil {
		service.invalidate(ctx, accountID, cacheEventCreated)
	}
	service.logOperation(ctx, OperationLog{Operation: operationEnsureAccount, AccountID: accountID, Error: operationError})
	return account, operationError
}

// ApplyPlan moves the account to tier and its ceiling. reference, when set, makes the change
// idempotent: a second application with the same reference returns ErrDuplicateIdempotencyKey.
func (service *Service) ApplyPlan(ctx context.Context, accountID AccountID, tier Tier, reference string) (Account, error) {
	updated, operationError := service.accountChange(ctx, accountID, EventPlanChanged, reference, tier, func(current Account, policy PlanPolicy) Account {
		current.Plan = tier
		current.UsageLimit = policy.Limit
		return current
	})
	if operationError == nil {
		service.invalidateRelated(ctx, accountID, cacheEventPlanChanged)
	} else {
		service.markStaleOnUnknownOutcome(ctx, accountID, cacheEventPlanChanged, operationError)
	}
	service.logOperation(ctx, OperationLog{Operation: operationApplyPlan, AccountID: accountID, Error: operationError})
	return updated, operationError
}

// ResetUsage zeroes the account counter and appends a plan_reset event. Usage is counted from the
// latest reset onward.
func (service *Service) ResetUsage(ctx context.Context, accountID AccountID, reference string) (Account, error) {
	updated, operationError := service.accountChange(ctx, accountID, EventPlanReset, reference, "", func(current Account, _ PlanPolicy) Account {
		current.UsageCount = 0
		return current
	})
	if operationError == nil {
		service.invalidateRelated(ctx, accountID, cacheEventUsageReset)
	} else {
		service.markStaleOnUnknownOutcome(ctx, accountID, cacheEventUsageReset, operationError)
	}
	service.logOperation(ctx, OperationLog{Operation: operationResetUsage, AccountID: accountID, Error: operationError})
	return updated, operationError
}

// DeleteAccount removes the account and its usage events in one transaction.
func (service *Service) DeleteAccount(ctx context.Context, accountID AccountID) error {
	subject, operationError := NewAccountSubject(accountID)
	if operationError == nil {
		operationError = service.WithAccountLock(ctx, subject, func(ctx context.Context) error {
			_, err := service.store.DeleteAccount(ctx, accountID)
			return err
		})
	}
	if operationError == nil {
		service.invalidateRelated(ctx, accountID, cacheEventDeleted)
	} else {
		service.markStaleOnUnknownOutcome(ctx, accountID, cacheEventDeleted, operationError)
	}
	service.logOperation(ctx, OperationLog{Operation: operationDeleteAccount, AccountID: accountID, Error: operationError})
	return operationError
}

// accountChange applies a plan-level mutation under the account lock and records eventType in the
// same transaction. An empty tier keeps the current plan.
func (service *Service) accountChange(ctx context.Context, accountID AccountID, eventType EventType, reference string, tier Tier, mutate func(current Account, policy PlanPolicy) Account) (Account, error) {
	subject, err := NewAccountSubject(accountID)
	if err != nil {
		return Account{}, err
	}
	if tier != "" {
		if _, err := service.plans.Policy(tier); err != nil {
			return Account{}, err
		}
	}
	var updated Account
	err = service.WithAccountLock(ctx, subject, func(ctx context.Context) error {
		defaults, err := service.defaultAccount(accountID, TierFree)
		if err != nil {
			return err
		}
		if _, err := service.store.GetOrCreateAccount(ctx, defaults); err != nil {
			return err
		}
		var idempotencyKey IdempotencyKey
		if reference != "" {
			idempotencyKey, err = NewIdempotencyKey(eventType.String() + ":" + reference)
			if err != nil {
				return err
			}
		}
		updated, err = service.updater.UpdateAccount(ctx, accountID, func(current Account) (Account, error) {
			targetTier := tier
			if targetTier == "" {
				targetTier = current.Plan
			}
			policy, err := service.plans.Policy(targetTier)
			if err != nil {
				return Account{}, err
			}
			return mutate(current, policy), nil
		}, WithCommitHook(func(ctx context.Context, txStore Store, next Account) error {
			metadata, err := MetadataJSON{}.With(MetadataKeyPlan, next.Plan.String())
			if err != nil {
				return err
			}
			if reference != "" {
				metadata, err = metadata.With(MetadataKeyReference, reference)
				if err != nil {
					return err
				}
			}
			now := service.nowFn()
			return txStore.InsertUsageEvent(ctx, UsageEvent{
				ID:             newEventID(now),
				AccountID:      accountID,
				Type:           eventType,
				ResourceRef:    reference,
				Metadata:       metadata,
				IdempotencyKey: idempotencyKey,
				CreatedAt:      now,
			})
		}))
		return err
	})
	return updated, err
}

// authoritativeUsage counts consumption straight from the usage ledger. Counting events rather
// than live resources keeps quota immune to resource deletion.
func (service *Service) authoritativeUsage(ctx context.Context, store Store, subject Subject) (Usage, Account, error) {
	tier := TierFree
	if subject.IsAnonymous() {
		tier = TierAnonymous
	}
	defaults, err := service.defaultAccount(subject.AccountID(), tier)
	if err != nil {
		return Usage{}, Account{}, err
	}
	account, err := store.GetOrCreateAccount(ctx, defaults)
	if err != nil {
		return Usage{}, Account{}, err
	}
	policy, err := service.plans.Policy(account.Plan)
	if err != nil {
		return Usage{}, Account{}, err
	}
	windowStart := policy.WindowStart(service.nowFn())
	lastReset, found, err := store.LatestEventTime(ctx, account.ID, EventPlanReset)
	if err != nil {
		return Usage{}, Account{}, WrapError(errorOperationService, errorSubjectUsage, errorCodeCount, err)
	}
	if found && lastReset.After(windowStart) {
		windowStart = lastReset
	}
	count, err := store.CountUsageEvents(ctx, EventFilter{
		AccountID:   account.ID,
		Type:        EventUnitConsumed,
		Since:       windowStart,
		AnonymousID: subject.AnonymousID(),
	})
	if err != nil {
		return Usage{}, Account{}, WrapError(errorOperationService, errorSubjectUsage, errorCodeCount, err)
	}
	limit := account.UsageLimit
	if subject.IsAnonymous() {
		limit = policy.Limit
	}
	return Usage{
		Plan:        account.Plan,
		Current:     count,
		Limit:       limit,
		Unbounded:   limit <= 0,
		WindowStart: windowStart,
	}, account, nil
}

func (service *Service) accountSnapshot(ctx context.Context, subject Subject) (cache.AccountSnapshot, bool, error) {
	loader := service.snapshotLoader(subject)
	if service.cache == nil {
		snapshot, err := loader(ctx)
		return snapshot, false, err
	}
	snapshot, cached, err := service.cache.AccountSnapshot(ctx, subject.AccountID().String(), loader)
	if err != nil {
		return cache.AccountSnapshot{}, false, WrapError(errorOperationService, errorSubjectAccount, errorCodeLoad, err)
	}
	return snapshot, cached, nil
}

// SnapshotLoader exposes the authoritative snapshot of accountID for consistency checks.
func (service *Service) SnapshotLoader(accountID AccountID) (cache.Loader, error) {
	subject, err := NewAccountSubject(accountID)
	if err != nil {
		return nil, err
	}
	return service.snapshotLoader(subject), nil
}

func (service *Service) snapshotLoader(subject Subject) cache.Loader {
	return func(ctx context.Context) (cache.AccountSnapshot, error) {
		usage, account, err := service.authoritativeUsage(ctx, service.store, subject)
		if err != nil {
			return cache.AccountSnapshot{}, err
		}
		return cache.AccountSnapshot{
			AccountID:  account.ID.String(),
			Plan:       account.Plan.String(),
			Paid:       account.Plan.IsPaid(),
			UsageCount: usage.Current,
			UsageLimit: usage.Limit,
			Unbounded:  usage.Unbounded,
			Version:    account.Version,
			LoadedAt:   service.nowFn(),
		}, nil
	}
}

func usageFromSnapshot(snapshot cache.AccountSnapshot) Usage {
	return Usage{
		Plan:      Tier(snapshot.Plan),
		Current:   snapshot.UsageCount,
		Limit:     snapshot.UsageLimit,
		Unbounded: snapshot.Unbounded,
	}
}

func (service *Service) rateLimit(ctx context.Context, subject Subject, tier Tier, action Action) ratelimit.Result {
	if service.limiter == nil {
		return ratelimit.Result{Allowed: true, Unlimited: true}
	}
	result := service.limiter.Check(ctx, subject.Identifier(), tier.String(), action.String())
	if !result.Allowed || !subject.IsAnonymous() || subject.NetworkBucket() == "" {
		return result
	}
	networkResult := service.limiter.Check(ctx, subject.NetworkBucket(), tier.String(), action.String()+NetworkEndpointSuffix)
	if !networkResult.Allowed {
		return networkResult
	}
	return result
}

func (service *Service) defaultAccount(accountID AccountID, tier Tier) (Account, error) {
	if accountID.IsAnonymous() {
		tier = TierAnonymous
	}
	policy, err := service.plans.Policy(tier)
	if err != nil {
		return Account{}, err
	}
	now := service.nowFn()
	return Account{
		ID:         accountID,
		Plan:       tier,
		UsageLimit: policy.Limit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (service *Service) eventMetadata(metadata MetadataJSON, plan Tier, action Action, subject Subject) (MetadataJSON, error) {
	enriched, err := metadata.With(MetadataKeyPlan, plan.String())
	if err != nil {
		return MetadataJSON{}, err
	}
	enriched, err = enriched.With(MetadataKeyAction, action.String())
	if err != nil {
		return MetadataJSON{}, err
	}
	if subject.IsAnonymous() {
		return enriched.With(MetadataKeyAnonymousID, subject.AnonymousID())
	}
	return enriched, nil
}

func (service *Service) invalidate(ctx context.Context, accountID AccountID, event string) {
	if service.cache == nil {
		return
	}
	service.cache.Invalidate(ctx, accountID.String(), event)
}

func (service *Service) invalidateRelated(ctx context.Context, accountID AccountID, event string) {
	if service.cache == nil {
		return
	}
	service.cache.InvalidateRelated(ctx, accountID.String(), event)
}

// markStaleOnUnknownOutcome bypasses the cached snapshot after a write that failed without a
// domain refusal, since the store may have committed it anyway.
func (service *Service) markStaleOnUnknownOutcome(ctx context.Context, accountID AccountID, event string, err error) {
	if service.cache == nil || accountID.String() == "" {
		return
	}
	for _, refusal := range writeRefusals {
		if errors.Is(err, refusal) {
			return
		}
	}
	service.cache.MarkStale(ctx, accountID.String(), event)
}

func validateRequest(subject Subject, action Action) error {
	if subject.AccountID().String() == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidSubject)
	}
	if action.String() == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidAction)
	}
	return nil
}

func newEventID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
