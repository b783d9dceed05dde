// Package lock provides cross-instance mutual exclusion backed by TTL rows in the ledger store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = 100 * time.Millisecond
	releaseTimeout    = 5 * time.Second
)

var (
	// ErrNotAcquired is returned by WithLock when the lock could not be obtained.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrInvalidKey rejects empty lock keys.
	ErrInvalidKey = errors.New("invalid lock key")
	// ErrInvalidManagerConfig rejects a manager without a store.
	ErrInvalidManagerConfig = errors.New("invalid lock manager config")
)

// Lock is a held lease on key.
type Lock struct {
	Token     string
	Key       string
	ExpiresAt time.Time
}

// Store persists lock rows. Key is unique.
type Store interface {
	DeleteExpiredLock(ctx context.Context, key string, now time.Time) error
	InsertLockIfAbsent(ctx context.Context, lock Lock) (bool, error)
	GetLock(ctx context.Context, key string) (Lock, bool, error)
	DeleteLockByToken(ctx context.Context, token string) (bool, error)
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// Option tunes a single acquisition.
type Option func(*settings)

type settings struct {
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(current *settings) {
		if ttl > 0 {
			current.ttl = ttl
		}
	}
}

// WithRetries sets how many acquisition attempts are made.
func WithRetries(retries int) Option {
	return func(current *settings) {
		if retries > 0 {
			current.retries = retries
		}
	}
}

// WithRetryDelay sets the fixed pause between attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(current *settings) {
		if delay >= 0 {
			current.retryDelay = delay
		}
	}
}

// Manager acquires and releases locks.
type Manager struct {
	store    Store
	defaults settings
	nowFn    func() time.Time
	newToken func() string
	logger   *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaults replaces the defaults applied to every acquisition.
func WithDefaults(options ...Option) ManagerOption {
	return func(manager *Manager) {
		for _, option := range options {
			if option != nil {
				option(&manager.defaults)
			}
		}
	}
}

// WithClock overrides the manager clock.
func WithClock(now func() time.Time) ManagerOption {
	return func(manager *Manager) {
		if now != nil {
			manager.nowFn = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// NewManager wires a Manager over store.
func NewManager(store Store, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidManagerConfig)
	}
	manager := &Manager{
		store: store,
		defaults: settings{
			ttl:        defaultTTL,
			retries:    defaultRetries,
			retryDelay: defaultRetryDelay,
		},
		nowFn:    func() time.Time { return time.Now().UTC() },
		newToken: uuid.NewString,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Acquire tries to take key. It reports acquired=false with a nil error when another holder
// keeps the lock through every attempt.
func (manager *Manager) Acquire(ctx context.Context, key string, options ...Option) (string, bool, error) {
	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return "", false, ErrInvalidKey
	}
	current := manager.defaults
	for _, option := range options {
		if option != nil {
			option(&current)
		}
	}
	for attempt := 1; attempt <= current.retries; attempt++ {
		token, acquired, err := manager.tryAcquire(ctx, normalizedKey, current.ttl)
		if err != nil {
			return "", false, err
		}
		if acquired {
			return token, true, nil
		}
		if attempt == current.retries {
			break
		}
		if err := wait(ctx, current.retryDelay); err != nil {
			return "", false, err
		}
	}
	manager.logger.Debug("lock contended", zap.String("key", normalizedKey), zap.Int("attempts", current.retries))
	return "", false, nil
}

func (manager *Manager) tryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	now := manager.nowFn()
	if err := manager.store.DeleteExpiredLock(ctx, key, now); err != nil {
		return "", false, err
	}
	token := manager.newToken()
	inserted, err := manager.store.InsertLockIfAbsent(ctx, Lock{Token: token, Key: key, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return "", false, err
	}
	if !inserted {
		return "", false, nil
	}
	holder, found, err := manager.store.GetLock(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !found || holder.Token != token {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock held under token. It reports false when the lock already expired
// and was taken over or removed.
func (manager *Manager) Release(ctx context.Context, token string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	return manager.store.DeleteLockByToken(ctx, token)
}

// WithLock runs fn while holding key. The lock is released on every exit path, panics included.
func (manager *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, options ...Option) error {
	token, acquired, err := manager.Acquire(ctx, key, options...)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		released, releaseErr := manager.Release(releaseCtx, token)
		if releaseErr != nil {
			manager.logger.Warn("lock release failed", zap.String("key", key), zap.Error(releaseErr))
			return
		}
		if !released {
			manager.logger.Warn("lock expired before release", zap.String("key", key))
		}
	}()
	return fn(ctx)
}

// Reap deletes every expired lock row.
func (manager *Manager) Reap(ctx context.Context) (int64, error) {
	return manager.store.DeleteExpiredLocks(ctx, manager.nowFn())
}

func wait(ctx context.Context, delay time.Duration) error {
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
