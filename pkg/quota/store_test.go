package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/lock"
)

// memoryStore is a transactional in-memory Store. Compare-and-swap is atomic; usage events are
// staged per transaction and published on commit.
type memoryStore struct {
	mu              sync.Mutex
	accounts        map[string]Account
	events          []UsageEvent
	casCalls        int
	forcedConflicts int
	countErr        error
	commitErr       error
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{accounts: map[string]Account{}}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	tx := &memoryTx{store: store}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

func (store *memoryStore) GetOrCreateAccount(_ context.Context, defaults Account) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, ok := store.accounts[defaults.ID.String()]; ok {
		return existing, nil
	}
	store.accounts[defaults.ID.String()] = defaults
	return defaults, nil
}

func (store *memoryStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *memoryStore) CompareAndSwapAccount(_ context.Context, expectedVersion int64, next Account) (bool, error) {
	_, swapped := store.swap(expectedVersion, next)
	return swapped, nil
}

func (store *memoryStore) swap(expectedVersion int64, next Account) (Account, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.casCalls++
	if store.forcedConflicts > 0 {
		store.forcedConflicts--
		return Account{}, false
	}
	current, ok := store.accounts[next.ID.String()]
	if !ok || current.Version != expectedVersion {
		return Account{}, false
	}
	store.accounts[next.ID.String()] = next
	return current, true
}

func (store *memoryStore) InsertUsageEvent(_ context.Context, event UsageEvent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.duplicateLocked(event, nil) {
		return ErrDuplicateIdempotencyKey
	}
	store.events = append(store.events, event)
	return nil
}

func (store *memoryStore) duplicateLocked(event UsageEvent, staged []UsageEvent) bool {
	if event.IdempotencyKey.IsZero() {
		return false
	}
	for _, existing := range append(append([]UsageEvent{}, store.events...), staged...) {
		if existing.AccountID == event.AccountID && existing.IdempotencyKey == event.IdempotencyKey {
			return true
		}
	}
	return false
}

func (store *memoryStore) CountUsageEvents(_ context.Context, filter EventFilter) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.countErr != nil {
		return 0, store.countErr
	}
	var count int64
	for _, event := range store.events {
		if event.AccountID != filter.AccountID {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && event.CreatedAt.Before(filter.Since) {
			continue
		}
		if filter.AnonymousID != "" {
			if value, _ := event.Metadata.Lookup(MetadataKeyAnonymousID); value != filter.AnonymousID {
				continue
			}
		}
		count++
	}
	return count, nil
}

func (store *memoryStore) LatestEventTime(_ context.Context, accountID AccountID, eventType EventType) (time.Time, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var (
		latest time.Time
		found  bool
	)
	for _, event := range store.events {
		if event.AccountID == accountID && event.Type == eventType && (!found || event.CreatedAt.After(latest)) {
			latest = event.CreatedAt
			found = true
		}
	}
	return latest, found, nil
}

func (store *memoryStore) DeleteAccount(_ context.Context, accountID AccountID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	kept := store.events[:0]
	var deleted int64
	for _, event := range store.events {
		if event.AccountID == accountID {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	store.events = kept
	delete(store.accounts, accountID.String())
	return deleted, nil
}

func (store *memoryStore) account(test *testing.T, accountID AccountID) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		test.Fatalf("account %s not found", accountID.String())
	}
	return account
}

func (store *memoryStore) eventCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.events)
}

type undoEntry struct {
	previous Account
	written  Account
}

type memoryTx struct {
	store  *memoryStore
	undo   []undoEntry
	staged []UsageEvent
}

func (tx *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *memoryTx) GetOrCreateAccount(ctx context.Context, defaults Account) (Account, error) {
	return tx.store.GetOrCreateAccount(ctx, defaults)
}

func (tx *memoryTx) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.store.GetAccount(ctx, accountID)
}

func (tx *memoryTx) CompareAndSwapAccount(_ context.Context, expectedVersion int64, next Account) (bool, error) {
	previous, swapped := tx.store.swap(expectedVersion, next)
	if swapped {
		tx.undo = append(tx.undo, undoEntry{previous: previous, written: next})
	}
	return swapped, nil
}

func (tx *memoryTx) InsertUsageEvent(_ context.Context, event UsageEvent) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.duplicateLocked(event, tx.staged) {
		return ErrDuplicateIdempotencyKey
	}
	tx.staged = append(tx.staged, event)
	return nil
}

func (tx *memoryTx) CountUsageEvents(ctx context.Context, filter EventFilter) (int64, error) {
	return tx.store.CountUsageEvents(ctx, filter)
}

func (tx *memoryTx) LatestEventTime(ctx context.Context, accountID AccountID, eventType EventType) (time.Time, bool, error) {
	return tx.store.LatestEventTime(ctx, accountID, eventType)
}

func (tx *memoryTx) DeleteAccount(ctx context.Context, accountID AccountID) (int64, error) {
	return tx.store.DeleteAccount(ctx, accountID)
}

func (tx *memoryTx) rollback() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for index := len(tx.undo) - 1; index >= 0; index-- {
		entry := tx.undo[index]
		if current, ok := tx.store.accounts[entry.written.ID.String()]; ok && current.Version == entry.written.Version {
			tx.store.accounts[entry.written.ID.String()] = entry.previous
		}
	}
}

func (tx *memoryTx) commit() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.events = append(tx.store.events, tx.staged...)
	return tx.store.commitErr
}

// mutexLocker serializes WithLock per key inside one process.
type mutexLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	calls []string
}

func newMutexLocker() *mutexLocker {
	return &mutexLocker{locks: map[string]*sync.Mutex{}}
}

func (locker *mutexLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, _ ...lock.Option) error {
	locker.mu.Lock()
	keyLock, ok := locker.locks[key]
	if !ok {
		keyLock = &sync.Mutex{}
		locker.locks[key] = keyLock
	}
	locker.calls = append(locker.calls, key)
	locker.mu.Unlock()
	keyLock.Lock()
	defer keyLock.Unlock()
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(ctx context.Context) error, ...lock.Option) error {
	return lock.ErrNotAcquired
}

func noSleep(context.Context, time.Duration) error {
	return nil
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustAccountSubject(test *testing.T, raw string) Subject {
	test.Helper()
	subject, err := NewAccountSubject(mustAccountID(test, raw))
	if err != nil {
		test.Fatalf("account subject: %v", err)
	}
	return subject
}

func mustAnonymousSubject(test *testing.T, anonymousID string) Subject {
	test.Helper()
	subject, err := NewAnonymousSubject(anonymousID, "203.0.113.0/24")
	if err != nil {
		test.Fatalf("anonymous subject: %v", err)
	}
	return subject
}

func mustAction(test *testing.T, raw string) Action {
	test.Helper()
	action, err := NewAction(raw)
	if err != nil {
		test.Fatalf("action: %v", err)
	}
	return action
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustUpdater(test *testing.T, store Store, options ...UpdaterOption) *Updater {
	test.Helper()
	updater, err := NewUpdater(store, append([]UpdaterOption{WithSleeper(noSleep)}, options...)...)
	if err != nil {
		test.Fatalf("updater init: %v", err)
	}
	return updater
}

func mustService(test *testing.T, store Store, locker AccountLocker, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, mustUpdater(test, store), locker, DefaultPlanCatalog(), options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}
