// Package cache keeps advisory account snapshots in a key-value backend. The ledger store stays
// authoritative: every backend failure degrades to a miss and callers re-read the store.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultKeyPrefix   = "quotaguard"
	keySegmentAccount  = "account"
	keySegmentUsage    = "usage"
	keySegmentStale    = "stale"
	defaultTTLNear     = 10 * time.Second
	defaultTTLPaid     = 30 * time.Second
	defaultTTLFree     = 60 * time.Second
	nearLimitFraction  = 10
	staleMarkerPayload = "1"
)

// AccountSnapshot is the cached view of an account's quota state.
type AccountSnapshot struct {
	AccountID  string    `json:"account_id"`
	Plan       string    `json:"plan"`
	Paid       bool      `json:"paid"`
	UsageCount int64     `json:"usage_count"`
	UsageLimit int64     `json:"usage_limit"`
	Unbounded  bool      `json:"unbounded"`
	Version    int64     `json:"version"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// NearLimit reports whether the snapshot is within a tenth of its ceiling (or one unit).
func (snapshot AccountSnapshot) NearLimit() bool {
	if snapshot.Unbounded {
		return false
	}
	margin := snapshot.UsageLimit / nearLimitFraction
	if margin < 1 {
		margin = 1
	}
	return snapshot.UsageLimit-snapshot.UsageCount <= margin
}

// Loader reads the authoritative snapshot.
type Loader func(ctx context.Context) (AccountSnapshot, error)

// TTLPolicy tiers entry lifetimes by how close an account is to its ceiling.
type TTLPolicy struct {
	NearLimit time.Duration
	Paid      time.Duration
	Free      time.Duration
}

// DefaultTTLPolicy returns the stock lifetimes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{NearLimit: defaultTTLNear, Paid: defaultTTLPaid, Free: defaultTTLFree}
}

// Observer receives cache events for metrics.
type Observer interface {
	CacheLookup(hit bool)
	CacheInvalidated(event string)
}

// Manager reads, fills and invalidates cached snapshots.
type Manager struct {
	backend  Backend
	ttls     TTLPolicy
	prefix   string
	group    singleflight.Group
	nowFn    func() time.Time
	logger   *zap.Logger
	observer Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTLPolicy replaces the TTL tiers.
func WithTTLPolicy(policy TTLPolicy) Option {
	return func(manager *Manager) {
		if policy.NearLimit > 0 {
			manager.ttls.NearLimit = policy.NearLimit
		}
		if policy.Paid > 0 {
			manager.ttls.Paid = policy.Paid
		}
		if policy.Free > 0 {
			manager.ttls.Free = policy.Free
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(observer Observer) Option {
	return func(manager *Manager) {
		manager.observer = observer
	}
}

// WithClock overrides the clock stamping LoadedAt.
func WithClock(now func() time.Time) Option {
	return func(manager *Manager) {
		if now != nil {
			manager.nowFn = now
		}
	}
}

// NewManager wires a Manager. A nil backend turns every read into a load.
func NewManager(backend Backend, options ...Option) *Manager {
	manager := &Manager{
		backend: backend,
		ttls:    DefaultTTLPolicy(),
		prefix:  defaultKeyPrefix,
		nowFn:   func() time.Time { return time.Now().UTC() },
		logger:  zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager
}

// Get returns the raw value under key. Backend errors are logged and reported as a miss.
func (manager *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if manager.backend == nil {
		return nil, false
	}
	value, found, err := manager.backend.Get(ctx, key)
	if err != nil {
		manager.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return value, found
}

// Set stores value under key. Backend errors are logged and swallowed.
func (manager *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if manager.backend == nil {
		return
	}
	if err := manager.backend.Set(ctx, key, value, ttl); err != nil {
		manager.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// TTLFor picks the lifetime of snapshot.
func (manager *Manager) TTLFor(snapshot AccountSnapshot) time.Duration {
	switch {
	case snapshot.NearLimit():
		return manager.ttls.NearLimit
	case snapshot.Paid:
		return manager.ttls.Paid
	default:
		return manager.ttls.Free
	}
}

// AccountSnapshot returns the cached snapshot for accountID, loading and storing it on a miss
// or when the entry was marked stale. Concurrent misses for one account share a single load.
// The boolean reports whether the value came from the cache.
func (manager *Manager) AccountSnapshot(ctx context.Context, accountID string, loader Loader) (AccountSnapshot, bool, error) {
	key := manager.key(keySegmentAccount, accountID)
	if !manager.isStale(ctx, accountID) {
		if raw, found := manager.Get(ctx, key); found {
			var snapshot AccountSnapshot
			if err := json.Unmarshal(raw, &snapshot); err == nil {
				manager.observeLookup(true)
				return snapshot, true, nil
			}
			manager.logger.Warn("cache entry undecodable", zap.String("key", key))
		}
	}
	manager.observeLookup(false)
	value, err, _ := manager.group.Do(key, func() (any, error) {
		snapshot, err := loader(ctx)
		if err != nil {
			return AccountSnapshot{}, err
		}
		if snapshot.LoadedAt.IsZero() {
			snapshot.LoadedAt = manager.nowFn()
		}
		manager.store(ctx, key, snapshot)
		manager.clearStale(ctx, accountID)
		return snapshot, nil
	})
	if err != nil {
		return AccountSnapshot{}, false, err
	}
	return value.(AccountSnapshot), false, nil
}

// Invalidate drops the account snapshot after a write.
func (manager *Manager) Invalidate(ctx context.Context, accountID string, event string) {
	manager.delete(ctx, event, manager.key(keySegmentAccount, accountID))
}

// InvalidateRelated drops every key derived from the account.
func (manager *Manager) InvalidateRelated(ctx context.Context, accountID string, event string) {
	manager.delete(ctx, event,
		manager.key(keySegmentAccount, accountID),
		manager.key(keySegmentUsage, accountID),
		manager.key(keySegmentStale, accountID),
	)
}

// MarkStale forces the next read of the account to bypass the cached entry.
func (manager *Manager) MarkStale(ctx context.Context, accountID string, event string) {
	manager.Set(ctx, manager.key(keySegmentStale, accountID), []byte(staleMarkerPayload), manager.ttls.Free)
	manager.logger.Debug("cache entry marked stale", zap.String("account_id", accountID), zap.String("event", event))
}

// Divergence is one field whose cached value differs from the store.
type Divergence struct {
	Field         string
	Cached        string
	Authoritative string
}

// Report is the outcome of ValidateConsistency.
type Report struct {
	AccountID   string
	Cached      bool
	Divergences []Divergence
}

// Consistent reports whether no divergence was found.
func (report Report) Consistent() bool {
	return len(report.Divergences) == 0
}

// ValidateConsistency compares the cached snapshot against the authoritative one. Differences are
// reported, not corrected.
func (manager *Manager) ValidateConsistency(ctx context.Context, accountID string, loader Loader) (Report, error) {
	report := Report{AccountID: accountID}
	authoritative, err := loader(ctx)
	if err != nil {
		return Report{}, err
	}
	raw, found := manager.Get(ctx, manager.key(keySegmentAccount, accountID))
	if !found {
		return report, nil
	}
	var cached AccountSnapshot
	if err := json.Unmarshal(raw, &cached); err != nil {
		report.Cached = true
		report.Divergences = append(report.Divergences, Divergence{Field: "encoding", Cached: "undecodable", Authoritative: "valid"})
		return report, nil
	}
	report.Cached = true
	compare := func(field string, cachedValue string, authoritativeValue string) {
		if cachedValue != authoritativeValue {
			report.Divergences = append(report.Divergences, Divergence{Field: field, Cached: cachedValue, Authoritative: authoritativeValue})
		}
	}
	compare("plan", cached.Plan, authoritative.Plan)
	compare("usage_limit", strconv.FormatInt(cached.UsageLimit, 10), strconv.FormatInt(authoritative.UsageLimit, 10))
	compare("usage_count", strconv.FormatInt(cached.UsageCount, 10), strconv.FormatInt(authoritative.UsageCount, 10))
	compare("version", strconv.FormatInt(cached.Version, 10), strconv.FormatInt(authoritative.Version, 10))
	return report, nil
}

func (manager *Manager) store(ctx context.Context, key string, snapshot AccountSnapshot) {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		manager.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	manager.Set(ctx, key, encoded, manager.TTLFor(snapshot))
}

func (manager *Manager) isStale(ctx context.Context, accountID string) bool {
	_, found := manager.Get(ctx, manager.key(keySegmentStale, accountID))
	return found
}

func (manager *Manager) clearStale(ctx context.Context, accountID string) {
	if manager.backend == nil {
		return
	}
	if err := manager.backend.Delete(ctx, manager.key(keySegmentStale, accountID)); err != nil {
		manager.logger.Warn("cache stale marker clear failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (manager *Manager) delete(ctx context.Context, event string, keys ...string) {
	if manager.observer != nil {
		manager.observer.CacheInvalidated(event)
	}
	if manager.backend == nil {
		return
	}
	if err := manager.backend.Delete(ctx, keys...); err != nil {
		manager.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.String("event", event), zap.Error(err))
	}
}

func (manager *Manager) observeLookup(hit bool) {
	if manager.observer != nil {
		manager.observer.CacheLookup(hit)
	}
}

func (manager *Manager) key(parts ...string) string {
	return manager.prefix + ":" + strings.Join(parts, ":")
}
