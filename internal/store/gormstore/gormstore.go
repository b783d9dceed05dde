package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON             = "{}"
	dialectPostgres                 = "postgres"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintPrimaryKey      = 1555
	sqliteConstraintUnique          = 2067
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectEvent               = "event"
	errorSubjectLock                = "lock"
	errorSubjectJob                 = "job"
	errorSubjectReplayGuard         = "replay_guard"
	errorCodeClaim                  = "claim"
	errorCodeCompareAndSwap         = "compare_and_swap"
	errorCodeComplete               = "complete"
	errorCodeCount                  = "count"
	errorCodeCreate                 = "create"
	errorCodeDelete                 = "delete"
	errorCodeDuplicate              = "duplicate"
	errorCodeFail                   = "fail"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeLatest                 = "latest"
	errorCodePing                   = "ping"
)

// Store implements quota.Store, lock.Store and webhook.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Ping checks connectivity to the database.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePing, err)
	}
	return wrapStoreError(errorSubjectAccount, errorCodePing, sqlDB.PingContext(ctx))
}

func (store *Store) GetOrCreateAccount(ctx context.Context, defaults quota.Account) (quota.Account, error) {
	now := time.Now().UTC()
	model := Account{
		ID:         defaults.ID.String(),
		Plan:       defaults.Plan.String(),
		UsageCount: defaults.UsageCount,
		UsageLimit: defaults.UsageLimit,
		Version:    defaults.Version,
		CreatedAt:  timeOrNow(defaults.CreatedAt, now),
		UpdatedAt:  timeOrNow(defaults.UpdatedAt, now),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, defaults.ID)
}

func (store *Store) GetAccount(ctx context.Context, accountID quota.AccountID) (quota.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, quota.ErrAccountNotFound)
		}
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// CompareAndSwapAccount writes next only if the stored version still equals expectedVersion.
func (store *Store) CompareAndSwapAccount(ctx context.Context, expectedVersion int64, next quota.Account) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ? AND version = ?", next.ID.String(), expectedVersion).
		Updates(map[string]any{
			"plan":        next.Plan.String(),
			"usage_count": next.UsageCount,
			"usage_limit": next.UsageLimit,
			"version":     next.Version,
			"updated_at":  timeOrNow(next.UpdatedAt, time.Now().UTC()),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCompareAndSwap, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) InsertUsageEvent(ctx context.Context, event quota.UsageEvent) error {
	var idempotencyKey *string
	if !event.IdempotencyKey.IsZero() {
		value := event.IdempotencyKey.String()
		idempotencyKey = &value
	}
	model := UsageEvent{
		ID:             event.ID,
		AccountID:      event.AccountID.String(),
		EventType:      event.Type.String(),
		ResourceRef:    event.ResourceRef,
		Metadata:       datatypesJSON(event.Metadata.String()),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      timeOrNow(event.CreatedAt, time.Now().UTC()),
	}
	// Only the (account_id, idempotency_key) index is absorbed; every other violation surfaces.
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}, {Name: "idempotency_key"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, quota.ErrDuplicateIdempotencyKey)
	}
	return nil
}

func (store *Store) CountUsageEvents(ctx context.Context, filter quota.EventFilter) (int64, error) {
	query := store.db.WithContext(ctx).
		Model(&UsageEvent{}).
		Where("account_id = ?", filter.AccountID.String())
	if filter.Type != "" {
		query = query.Where("event_type = ?", filter.Type.String())
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.AnonymousID != "" {
		query = query.Where(datatypes.JSONQuery("metadata").Equals(filter.AnonymousID, quota.MetadataKeyAnonymousID))
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectEvent, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) LatestEventTime(ctx context.Context, accountID quota.AccountID, eventType quota.EventType) (time.Time, bool, error) {
	var model UsageEvent
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND event_type = ?", accountID.String(), eventType.String()).
		Order("created_at DESC").
		Limit(1).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapStoreError(errorSubjectEvent, errorCodeLatest, err)
	}
	return model.CreatedAt.UTC(), true, nil
}

// DeleteAccount removes the account and, in the same transaction, every usage event it owns.
func (store *Store) DeleteAccount(ctx context.Context, accountID quota.AccountID) (int64, error) {
	var deletedEvents int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Where("account_id = ?", accountID.String()).Delete(&UsageEvent{})
		if result.Error != nil {
			return result.Error
		}
		deletedEvents = result.RowsAffected
		return transaction.Where("id = ?", accountID.String()).Delete(&Account{}).Error
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDelete, err)
	}
	return deletedEvents, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return quota.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (quota.Account, error) {
	accountID, err := quota.NewAccountID(model.ID)
	if err != nil {
		return quota.Account{}, err
	}
	plan, err := quota.ParseTier(model.Plan)
	if err != nil {
		return quota.Account{}, err
	}
	return quota.Account{
		ID:         accountID,
		Plan:       plan,
		UsageCount: model.UsageCount,
		UsageLimit: model.UsageLimit,
		Version:    model.Version,
		CreatedAt:  model.CreatedAt.UTC(),
		UpdatedAt:  model.UpdatedAt.UTC(),
	}, nil
}

func timeOrNow(value time.Time, now time.Time) time.Time {
	if value.IsZero() {
		return now
	}
	return value.UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation detects duplicate-key failures across PostgreSQL and SQLite. Other constraint
// failures such as NOT NULL are not duplicates.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}
