package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/webhook"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertReplayGuard records eventID until expiresAt, reporting false when it is already recorded.
// Expired guards for the same id are cleared first so a delivery outside the guard TTL is admitted.
func (store *Store) InsertReplayGuard(ctx context.Context, eventID string, now time.Time, expiresAt time.Time) (bool, error) {
	err := store.db.WithContext(ctx).
		Where("event_id = ? AND expires_at <= ?", eventID, now.UTC()).
		Delete(&ReplayGuard{}).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectReplayGuard, errorCodeDelete, err)
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&ReplayGuard{EventID: eventID, ExpiresAt: expiresAt.UTC()})
	if isUniqueViolation(result.Error) {
		return false, nil
	}
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReplayGuard, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// DeleteReplayGuard removes the guard of eventID regardless of its expiry.
func (store *Store) DeleteReplayGuard(ctx context.Context, eventID string) error {
	err := store.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&ReplayGuard{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectReplayGuard, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) DeleteExpiredReplayGuards(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&ReplayGuard{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReplayGuard, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

// InsertJob enqueues job unless a job with the same id exists.
func (store *Store) InsertJob(ctx context.Context, job webhook.Job) (bool, error) {
	now := time.Now().UTC()
	model := WebhookJob{
		ID:          job.ID,
		EventType:   job.EventType,
		Payload:     datatypesJSON(string(job.Payload)),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Status:      string(job.Status),
		NextRetryAt: timeOrNow(job.NextRetryAt, now),
		CreatedAt:   timeOrNow(job.CreatedAt, now),
		UpdatedAt:   now,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&model)
	if isUniqueViolation(result.Error) {
		return false, nil
	}
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ClaimNextJob picks the oldest due job and claims it with a revision compare-and-swap. On
// PostgreSQL the candidate row is selected with FOR UPDATE SKIP LOCKED so concurrent drainers
// spread over different rows.
func (store *Store) ClaimNextJob(ctx context.Context, now time.Time, staleBefore time.Time) (webhook.Job, bool, error) {
	var (
		claimed webhook.Job
		found   bool
	)
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		query := transaction.
			Where("attempts < max_attempts").
			Where("((status = ? AND next_retry_at <= ?) OR (status = ? AND claimed_at < ?))",
				string(webhook.StatusPending), now.UTC(),
				string(webhook.StatusProcessing), staleBefore.UTC()).
			Order("next_retry_at ASC").
			Limit(1)
		if transaction.Dialector.Name() == dialectPostgres {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var model WebhookJob
		err := query.Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		claimedAt := now.UTC()
		if model.Status == string(webhook.StatusProcessing) {
			model.Attempts++
		}
		result := transaction.
			Model(&WebhookJob{}).
			Where("id = ? AND revision = ?", model.ID, model.Revision).
			Updates(map[string]any{
				"status":     string(webhook.StatusProcessing),
				"attempts":   model.Attempts,
				"revision":   model.Revision + 1,
				"claimed_at": claimedAt,
				"updated_at": claimedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		model.Status = string(webhook.StatusProcessing)
		model.Revision++
		model.ClaimedAt = &claimedAt
		claimed = mapWebhookJob(model)
		found = true
		return nil
	})
	if err != nil {
		return webhook.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeClaim, err)
	}
	return claimed, found, nil
}

func (store *Store) CompleteJob(ctx context.Context, jobID string, revision int64, completedAt time.Time) error {
	completed := completedAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&WebhookJob{}).
		Where("id = ? AND revision = ?", jobID, revision).
		Updates(map[string]any{
			"status":       string(webhook.StatusCompleted),
			"completed_at": completed,
			"last_error":   "",
			"revision":     gorm.Expr("revision + 1"),
			"updated_at":   completed,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeComplete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeComplete, webhook.ErrClaimLost)
	}
	return nil
}

func (store *Store) FailJob(ctx context.Context, jobID string, revision int64, failure webhook.JobFailure) error {
	result := store.db.WithContext(ctx).
		Model(&WebhookJob{}).
		Where("id = ? AND revision = ?", jobID, revision).
		Updates(map[string]any{
			"status":        string(failure.Status),
			"attempts":      failure.Attempts,
			"next_retry_at": failure.NextRetryAt.UTC(),
			"last_error":    failure.LastError,
			"revision":      gorm.Expr("revision + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeFail, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeFail, webhook.ErrClaimLost)
	}
	return nil
}

func (store *Store) GetJob(ctx context.Context, jobID string) (webhook.Job, error) {
	var model WebhookJob
	err := store.db.WithContext(ctx).Where("id = ?", jobID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return webhook.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, webhook.ErrJobNotFound)
	}
	if err != nil {
		return webhook.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return mapWebhookJob(model), nil
}

func mapWebhookJob(model WebhookJob) webhook.Job {
	return webhook.Job{
		ID:          model.ID,
		EventType:   model.EventType,
		Payload:     json.RawMessage(model.Payload),
		Attempts:    model.Attempts,
		MaxAttempts: model.MaxAttempts,
		Status:      webhook.Status(model.Status),
		NextRetryAt: model.NextRetryAt.UTC(),
		LastError:   model.LastError,
		Revision:    model.Revision,
		ClaimedAt:   model.ClaimedAt,
		CompletedAt: model.CompletedAt,
		CreatedAt:   model.CreatedAt.UTC(),
	}
}
