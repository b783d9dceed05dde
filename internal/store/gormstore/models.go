package gormstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	ID         string    `gorm:"primaryKey"`
	Plan       string    `gorm:"not null"`
	UsageCount int64     `gorm:"not null;default:0"`
	UsageLimit int64     `gorm:"not null;default:0"`
	Version    int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// UsageEvent mirrors the append-only usage_events table.
type UsageEvent struct {
	ID             string         `gorm:"primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_usage_events_account_type_created,priority:1;index:uniq_usage_events_idem,unique,priority:1"`
	EventType      string         `gorm:"not null;index:idx_usage_events_account_type_created,priority:2"`
	ResourceRef    string         `gorm:"not null;default:''"`
	Metadata       datatypes.JSON `gorm:"not null"`
	IdempotencyKey *string        `gorm:"index:uniq_usage_events_idem,unique,priority:2"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_usage_events_account_type_created,priority:3"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// Lock mirrors the distributed_locks table.
type Lock struct {
	Token     string    `gorm:"primaryKey"`
	LockKey   string    `gorm:"not null;uniqueIndex:uniq_distributed_locks_key"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Lock) TableName() string { return "distributed_locks" }

// WebhookJob mirrors the webhook_jobs table.
type WebhookJob struct {
	ID          string         `gorm:"primaryKey"`
	EventType   string         `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	Attempts    int            `gorm:"not null;default:0"`
	MaxAttempts int            `gorm:"not null"`
	Status      string         `gorm:"not null;index:idx_webhook_jobs_status_next,priority:1"`
	NextRetryAt time.Time      `gorm:"not null;index:idx_webhook_jobs_status_next,priority:2"`
	LastError   string         `gorm:"not null;default:''"`
	Revision    int64          `gorm:"not null;default:0"`
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (WebhookJob) TableName() string { return "webhook_jobs" }

// ReplayGuard mirrors the webhook_replay_guards table.
type ReplayGuard struct {
	EventID   string    `gorm:"primaryKey"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (ReplayGuard) TableName() string { return "webhook_replay_guards" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Account{}, &UsageEvent{}, &Lock{}, &WebhookJob{}, &ReplayGuard{}}
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
