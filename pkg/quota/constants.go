package quota

const (
	operationCheckAndReserve = "check_and_reserve"
	operationRecordUsage     = "record_usage"
	operationEnsureAccount   = "ensure_account"
	operationApplyPlan       = "apply_plan"
	operationResetUsage      = "reset_usage"
	operationDeleteAccount   = "delete_account"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// AnonymousAccountID owns every usage event recorded for unauthenticated callers.
	AnonymousAccountID = "anonymous"

	MetadataKeyPlan        = "plan"
	MetadataKeyAnonymousID = "anonymous_id"
	MetadataKeyAction      = "action"
	MetadataKeyReference   = "reference"

	// NetworkEndpointSuffix marks the secondary per-network rate limit class for anonymous traffic.
	NetworkEndpointSuffix = "_network"

	lockKeyPrefix = "account:"

	cacheEventUsageRecorded = "usage_recorded"
	cacheEventPlanChanged   = "plan_changed"
	cacheEventUsageReset    = "usage_reset"
	cacheEventDeleted       = "account_deleted"
	cacheEventCreated       = "account_created"

	errorOperationService = "service"
	errorSubjectAccount   = "account"
	errorSubjectUsage     = "usage"
	errorCodeCount        = "count"
	errorCodeLoad         = "load"
	errorCodeLock         = "lock"
)
