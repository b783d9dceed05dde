package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultUpdateMaxRetries  = 3
	defaultUpdateBackoffBase = time.Second
	defaultUpdateBackoffMax  = time.Second
	updateBackoffMultiplier  = 2
)

// Mutation derives the next account state from the freshly read one.
type Mutation func(current Account) (Account, error)

// CommitHook runs inside the update transaction after a successful compare-and-swap.
// Returning an error rolls the update back.
type CommitHook func(ctx context.Context, txStore Store, updated Account) error

// Updater applies read-modify-write changes to accounts guarded by the version column.
type Updater struct {
	store       Store
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, delay time.Duration) error
	nowFn       func() time.Time
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithDefaultMaxRetries sets the attempt budget used when a call does not override it.
func WithDefaultMaxRetries(maxRetries int) UpdaterOption {
	return func(updater *Updater) {
		if maxRetries > 0 {
			updater.maxRetries = maxRetries
		}
	}
}

// WithBackoff sets the exponential conflict backoff: base doubled per attempt, capped at maximum.
func WithBackoff(base time.Duration, maximum time.Duration) UpdaterOption {
	return func(updater *Updater) {
		if base > 0 {
			updater.backoffBase = base
		}
		if maximum > 0 {
			updater.backoffMax = maximum
		}
	}
}

// WithSleeper replaces the context-aware sleep used between attempts.
func WithSleeper(sleep func(ctx context.Context, delay time.Duration) error) UpdaterOption {
	return func(updater *Updater) {
		if sleep != nil {
			updater.sleep = sleep
		}
	}
}

// WithUpdaterClock overrides the clock stamping updated_at.
func WithUpdaterClock(now func() time.Time) UpdaterOption {
	return func(updater *Updater) {
		if now != nil {
			updater.nowFn = now
		}
	}
}

// NewUpdater wires an Updater over store.
func NewUpdater(store Store, options ...UpdaterOption) (*Updater, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	updater := &Updater{
		store:       store,
		maxRetries:  defaultUpdateMaxRetries,
		backoffBase: defaultUpdateBackoffBase,
		backoffMax:  defaultUpdateBackoffMax,
		sleep:       sleepContext,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(updater)
		}
	}
	if updater.backoffMax < updater.backoffBase {
		updater.backoffMax = updater.backoffBase
	}
	return updater, nil
}

// UpdateOption adjusts a single UpdateAccount call.
type UpdateOption func(*updateSettings)

type updateSettings struct {
	maxRetries int
	hook       CommitHook
}

// WithMaxRetries overrides the attempt budget for one call.
func WithMaxRetries(maxRetries int) UpdateOption {
	return func(settings *updateSettings) {
		if maxRetries > 0 {
			settings.maxRetries = maxRetries
		}
	}
}

// WithCommitHook runs hook in the same transaction as the successful version swap.
func WithCommitHook(hook CommitHook) UpdateOption {
	return func(settings *updateSettings) {
		settings.hook = hook
	}
}

// UpdateAccount reads the account, applies mutate and writes it back only if the version is
// unchanged. A lost race retries from a fresh read after backoff; when every attempt loses
// an *OptimisticLockError is returned. Errors from the store, mutate or the commit hook are
// returned as-is without retrying.
func (updater *Updater) UpdateAccount(ctx context.Context, accountID AccountID, mutate Mutation, options ...UpdateOption) (Account, error) {
	if mutate == nil {
		return Account{}, fmt.Errorf("%w: nil mutation", ErrInvalidMutation)
	}
	settings := updateSettings{maxRetries: updater.maxRetries}
	for _, option := range options {
		if option != nil {
			option(&settings)
		}
	}
	delays := updater.newBackOff()
	for attempt := 1; attempt <= settings.maxRetries; attempt++ {
		var (
			updated Account
			swapped bool
		)
		err := updater.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			current, err := txStore.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			next, err := mutate(current)
			if err != nil {
				return err
			}
			next.ID = current.ID
			next.CreatedAt = current.CreatedAt
			next.Version = current.Version + 1
			next.UpdatedAt = updater.nowFn()
			ok, err := txStore.CompareAndSwapAccount(ctx, current.Version, next)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if settings.hook != nil {
				if err := settings.hook(ctx, txStore, next); err != nil {
					return err
				}
			}
			updated = next
			swapped = true
			return nil
		})
		if err != nil {
			return Account{}, err
		}
		if swapped {
			return updated, nil
		}
		if attempt == settings.maxRetries {
			break
		}
		if err := updater.sleep(ctx, delays.NextBackOff()); err != nil {
			return Account{}, err
		}
	}
	return Account{}, &OptimisticLockError{AccountID: accountID, Attempts: settings.maxRetries}
}

func (updater *Updater) newBackOff() *backoff.ExponentialBackOff {
	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = updater.backoffBase
	delays.MaxInterval = updater.backoffMax
	delays.Multiplier = updateBackoffMultiplier
	delays.RandomizationFactor = 0
	delays.Reset()
	return delays
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
