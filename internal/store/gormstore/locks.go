package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/lock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (store *Store) DeleteExpiredLock(ctx context.Context, key string, now time.Time) error {
	err := store.db.WithContext(ctx).
		Where("lock_key = ? AND expires_at <= ?", key, now.UTC()).
		Delete(&Lock{}).Error
	return wrapStoreError(errorSubjectLock, errorCodeDelete, err)
}

// InsertLockIfAbsent inserts the lock row unless key is already held.
func (store *Store) InsertLockIfAbsent(ctx context.Context, held lock.Lock) (bool, error) {
	model := Lock{
		Token:     held.Token,
		LockKey:   held.Key,
		ExpiresAt: held.ExpiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "lock_key"}}, DoNothing: true}).
		Create(&model)
	if isUniqueViolation(result.Error) {
		return false, nil
	}
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) GetLock(ctx context.Context, key string) (lock.Lock, bool, error) {
	var model Lock
	err := store.db.WithContext(ctx).Where("lock_key = ?", key).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lock.Lock{}, false, nil
	}
	if err != nil {
		return lock.Lock{}, false, wrapStoreError(errorSubjectLock, errorCodeGet, err)
	}
	return lock.Lock{Token: model.Token, Key: model.LockKey, ExpiresAt: model.ExpiresAt.UTC()}, true, nil
}

func (store *Store) DeleteLockByToken(ctx context.Context, token string) (bool, error) {
	result := store.db.WithContext(ctx).Where("token = ?", token).Delete(&Lock{})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeDelete, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&Lock{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectLock, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}
