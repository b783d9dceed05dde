package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/webhook"
	"go.uber.org/zap"
)

const (
	EventUserCreated          = "user.created"
	EventUserDeleted          = "user.deleted"
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionRenewed  = "subscription.renewed"
	EventSubscriptionDeleted  = "subscription.deleted"
	EventSubscriptionCanceled = "subscription.canceled"

	referencePrefix = "webhook:"
)

// ErrMalformedEvent marks a payload that can never be applied. The queue still retries it until
// attempts run out so the failure stays visible.
var ErrMalformedEvent = errors.New("billing: malformed event")

// AccountService is the subset of quota.Service the applier drives.
type AccountService interface {
	EnsureAccount(ctx context.Context, accountID quota.AccountID, tier quota.Tier) (quota.Account, error)
	ApplyPlan(ctx context.Context, accountID quota.AccountID, tier quota.Tier, reference string) (quota.Account, error)
	ResetUsage(ctx context.Context, accountID quota.AccountID, reference string) (quota.Account, error)
	DeleteAccount(ctx context.Context, accountID quota.AccountID) error
}

type eventPayload struct {
	Type string    `json:"type"`
	Data eventData `json:"data"`
}

type eventData struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
}

// Applier turns queued billing webhooks into account changes.
type Applier struct {
	accounts AccountService
	logger   *zap.Logger
}

// NewApplier wires an Applier.
func NewApplier(accounts AccountService, logger *zap.Logger) (*Applier, error) {
	if accounts == nil {
		return nil, fmt.Errorf("%w: account service is nil", quota.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{accounts: accounts, logger: logger}, nil
}

var _ webhook.Handler = (*Applier)(nil)

// Handle applies one job. Replaying a job is safe: plan changes and resets carry the job id as
// their idempotency reference.
func (applier *Applier) Handle(ctx context.Context, job webhook.Job) error {
	var payload eventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	eventType := strings.TrimSpace(payload.Type)
	if eventType == "" {
		eventType = job.EventType
	}
	reference := referencePrefix + job.ID

	switch eventType {
	case EventUserCreated:
		accountID, err := payload.accountID()
		if err != nil {
			return err
		}
		tier := quota.TierFree
		if payload.Data.Plan != "" {
			if tier, err = quota.ParseTier(payload.Data.Plan); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
		}
		_, err = applier.accounts.EnsureAccount(ctx, accountID, tier)
		return err
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		accountID, err := payload.accountID()
		if err != nil {
			return err
		}
		tier, err := quota.ParseTier(payload.Data.Plan)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return applier.ignoreDuplicate(applyPlan(ctx, applier.accounts, accountID, tier, reference))
	case EventSubscriptionRenewed:
		accountID, err := payload.accountID()
		if err != nil {
			return err
		}
		_, err = applier.accounts.ResetUsage(ctx, accountID, reference)
		return applier.ignoreDuplicate(err)
	case EventSubscriptionDeleted, EventSubscriptionCanceled:
		accountID, err := payload.accountID()
		if err != nil {
			return err
		}
		return applier.ignoreDuplicate(applyPlan(ctx, applier.accounts, accountID, quota.TierFree, reference))
	case EventUserDeleted:
		accountID, err := payload.accountID()
		if err != nil {
			return err
		}
		return applier.accounts.DeleteAccount(ctx, accountID)
	default:
		applier.logger.Info("billing event ignored", zap.String("event_type", eventType), zap.String("job_id", job.ID))
		return nil
	}
}

func applyPlan(ctx context.Context, accounts AccountService, accountID quota.AccountID, tier quota.Tier, reference string) error {
	_, err := accounts.ApplyPlan(ctx, accountID, tier, reference)
	return err
}

func (applier *Applier) ignoreDuplicate(err error) error {
	if errors.Is(err, quota.ErrDuplicateIdempotencyKey) {
		return nil
	}
	return err
}

func (payload eventPayload) accountID() (quota.AccountID, error) {
	accountID, err := quota.NewAccountID(payload.Data.UserID)
	if err != nil {
		return quota.AccountID{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return accountID, nil
}
