package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AccountID identifies a billed account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// AnonymousAccount returns the synthetic account that owns anonymous usage.
func AnonymousAccount() AccountID {
	return AccountID{value: AnonymousAccountID}
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsAnonymous reports whether id is the synthetic anonymous account.
func (id AccountID) IsAnonymous() bool {
	return id.value == AnonymousAccountID
}

// Tier is a plan level.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier string.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierAnonymous:
		return TierAnonymous, nil
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	case TierEnterprise:
		return TierEnterprise, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// String returns the tier name.
func (tier Tier) String() string {
	return string(tier)
}

// IsPaid reports whether the tier is a paid subscription.
func (tier Tier) IsPaid() bool {
	return tier == TierPro || tier == TierEnterprise
}

// EventType enumerates usage ledger event kinds.
type EventType string

const (
	EventUnitConsumed EventType = "unit_consumed"
	EventPlanReset    EventType = "plan_reset"
	EventPlanChanged  EventType = "plan_changed"
)

// ParseEventType validates an event type string.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(strings.TrimSpace(raw)) {
	case EventUnitConsumed:
		return EventUnitConsumed, nil
	case EventPlanReset:
		return EventPlanReset, nil
	case EventPlanChanged:
		return EventPlanChanged, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
	}
}

// String returns the event type name.
func (eventType EventType) String() string {
	return string(eventType)
}

// IdempotencyKey scopes duplicate detection per account. The zero value means no key.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// MetadataJSON stores a JSON object attached to a usage event.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs). Only JSON objects are accepted.
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(normalized), &decoded); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// With returns a copy of metadata with key set to value.
func (metadata MetadataJSON) With(key string, value any) (MetadataJSON, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &fields); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	fields[key] = value
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// Lookup returns the string value stored under key.
func (metadata MetadataJSON) Lookup(key string) (string, bool) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &fields); err != nil {
		return "", false
	}
	value, ok := fields[key].(string)
	return value, ok
}

// Account is the authoritative quota row for one account.
type Account struct {
	ID         AccountID
	Plan       Tier
	UsageCount int64
	UsageLimit int64
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UsageEvent is one immutable line in the usage ledger.
type UsageEvent struct {
	ID             string
	AccountID      AccountID
	Type           EventType
	ResourceRef    string
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
	CreatedAt      time.Time
}

// EventFilter selects usage events for counting.
type EventFilter struct {
	AccountID   AccountID
	Type        EventType
	Since       time.Time
	AnonymousID string
}

// Action names the metered operation a caller wants to perform.
type Action struct {
	value string
}

// NewAction validates an action name.
func NewAction(raw string) (Action, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return Action{}, fmt.Errorf("%w: empty value", ErrInvalidAction)
	}
	return Action{value: trimmed}, nil
}

// String returns the action name.
func (action Action) String() string {
	return action.value
}

// Subject is the caller a decision is made for: an account or an anonymous visitor.
type Subject struct {
	accountID     AccountID
	anonymousID   string
	networkBucket string
}

// NewAccountSubject builds a subject for an authenticated account.
func NewAccountSubject(accountID AccountID) (Subject, error) {
	if accountID.String() == "" || accountID.IsAnonymous() {
		return Subject{}, fmt.Errorf("%w: account subject requires a real account id", ErrInvalidSubject)
	}
	return Subject{accountID: accountID}, nil
}

// NewAnonymousSubject builds a subject for an anonymous visitor.
func NewAnonymousSubject(anonymousID string, networkBucket string) (Subject, error) {
	trimmed := strings.TrimSpace(anonymousID)
	if trimmed == "" {
		return Subject{}, fmt.Errorf("%w: anonymous id is empty", ErrInvalidSubject)
	}
	return Subject{
		accountID:     AnonymousAccount(),
		anonymousID:   trimmed,
		networkBucket: strings.TrimSpace(networkBucket),
	}, nil
}

// AccountID returns the owning account (the synthetic anonymous account for visitors).
func (subject Subject) AccountID() AccountID {
	return subject.accountID
}

// IsAnonymous reports whether the subject is an anonymous visitor.
func (subject Subject) IsAnonymous() bool {
	return subject.anonymousID != ""
}

// AnonymousID returns the derived anonymous identity.
func (subject Subject) AnonymousID() string {
	return subject.anonymousID
}

// NetworkBucket returns the coarse network bucket of an anonymous visitor.
func (subject Subject) NetworkBucket() string {
	return subject.networkBucket
}

// Identifier returns the key used for rate limiting and locking.
func (subject Subject) Identifier() string {
	if subject.IsAnonymous() {
		return subject.anonymousID
	}
	return subject.accountID.String()
}

// LockKey returns the distributed lock key that serializes writes for the subject.
func (subject Subject) LockKey() string {
	if subject.IsAnonymous() {
		return lockKeyPrefix + AnonymousAccountID + ":" + subject.anonymousID
	}
	return lockKeyPrefix + subject.accountID.String()
}

// Usage reports consumption against the ceiling of the caller's plan.
type Usage struct {
	Plan        Tier
	Current     int64
	Limit       int64
	Unbounded   bool
	WindowStart time.Time
}

// Remaining returns the units left before the ceiling, or -1 when unbounded.
func (usage Usage) Remaining() int64 {
	if usage.Unbounded {
		return -1
	}
	remaining := usage.Limit - usage.Current
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exhausted reports whether no further unit may be consumed.
func (usage Usage) Exhausted() bool {
	return !usage.Unbounded && usage.Current >= usage.Limit
}

// DenialReason explains a rejected decision.
type DenialReason string

const (
	ReasonNone          DenialReason = ""
	ReasonRateLimited   DenialReason = "rate_limited"
	ReasonQuotaExceeded DenialReason = "quota_exceeded"
)

// Store is the persistence contract used by Service and Updater.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, defaults Account) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	CompareAndSwapAccount(ctx context.Context, expectedVersion int64, next Account) (bool, error)
	InsertUsageEvent(ctx context.Context, event UsageEvent) error
	CountUsageEvents(ctx context.Context, filter EventFilter) (int64, error)
	LatestEventTime(ctx context.Context, accountID AccountID, eventType EventType) (time.Time, bool, error)
	DeleteAccount(ctx context.Context, accountID AccountID) (int64, error)
}
