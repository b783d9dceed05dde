package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/internal/logging"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/identity"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/webhook"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	webhookReadCeiling   = 4 << 20
	outcomeAllowed       = "allowed"
)

type httpHandler struct {
	quota       QuotaService
	ingestor    WebhookIngestor
	resolver    AnonymousResolver
	readLimiter ReadLimiter
	observer    Observer
	logger      *zap.Logger
	timeout     time.Duration
}

type anonymousSignals struct {
	Fingerprint string            `json:"fingerprint"`
	Components  map[string]string `json:"components"`
}

type checkRequest struct {
	Action    string            `json:"action"`
	Anonymous *anonymousSignals `json:"anonymous"`
}

type recordRequest struct {
	Action         string            `json:"action"`
	ResourceRef    string            `json:"resource_ref"`
	Metadata       json.RawMessage   `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key"`
	Anonymous      *anonymousSignals `json:"anonymous"`
}

type usageResponse struct {
	Plan      string `json:"plan"`
	Current   int64  `json:"current"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Unbounded bool   `json:"unbounded"`
}

func (handler *httpHandler) handleCheck(ctx *gin.Context) {
	var request checkRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	action, subject, ok := handler.resolveRequest(ctx, request.Action, request.Anonymous)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	decision, err := handler.quota.CheckAndReserve(requestCtx, subject, action)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.observeDecision(decision)
	writeRateLimitHeaders(ctx, decision.RateLimit)
	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
	}
	ctx.JSON(status, gin.H{
		"allowed": decision.Allowed,
		"reason":  string(decision.Reason),
		"usage":   newUsageResponse(decision.Usage),
	})
}

func (handler *httpHandler) handleRecordUsage(ctx *gin.Context) {
	var request recordRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	action, subject, ok := handler.resolveRequest(ctx, request.Action, request.Anonymous)
	if !ok {
		return
	}
	metadata, err := quota.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}
	rawKey := strings.TrimSpace(request.IdempotencyKey)
	if rawKey == "" {
		rawKey = strings.TrimSpace(ctx.GetHeader(headerIdempotencyKey))
	}
	var idempotencyKey quota.IdempotencyKey
	if rawKey != "" {
		if idempotencyKey, err = quota.NewIdempotencyKey(rawKey); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_idempotency_key", err.Error()))
			return
		}
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	// The rate-limit slot was taken by /v1/quota/check; recording only enforces the quota.
	event, err := handler.quota.RecordUsageEvent(requestCtx, subject, action, request.ResourceRef, metadata, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"event_id":     event.ID,
		"account_id":   event.AccountID.String(),
		"type":         event.Type.String(),
		"resource_ref": event.ResourceRef,
		"created_at":   event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	subject, ok := handler.resolveSubject(ctx, nil)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	usage, err := handler.quota.Usage(requestCtx, subject)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if handler.readLimiter != nil {
		result := handler.readLimiter.Check(requestCtx, subject.Identifier(), usage.Plan.String(), ratelimit.EndpointRead)
		writeRateLimitHeaders(ctx, result)
		if !result.Allowed {
			ctx.JSON(http.StatusTooManyRequests, errorResponse(string(quota.ReasonRateLimited), "too many requests"))
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": newUsageResponse(usage)})
}

func (handler *httpHandler) handleDeleteAccount(ctx *gin.Context) {
	rawSubject, ok := authenticatedSubject(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
		return
	}
	accountID, err := quota.NewAccountID(rawSubject)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	if err := handler.quota.DeleteAccount(requestCtx, accountID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleBillingWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, webhookReadCeiling))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	result, err := handler.ingestor.Ingest(requestCtx, ctx.Request.Header, payload)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if result.Duplicate {
		ctx.JSON(http.StatusOK, gin.H{"event_id": result.EventID, "status": "duplicate"})
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"event_id": result.EventID, "status": "queued"})
}

func (handler *httpHandler) resolveRequest(ctx *gin.Context, rawAction string, signals *anonymousSignals) (quota.Action, quota.Subject, bool) {
	action, err := quota.NewAction(rawAction)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_action", err.Error()))
		return quota.Action{}, quota.Subject{}, false
	}
	subject, ok := handler.resolveSubject(ctx, signals)
	return action, subject, ok
}

// resolveSubject returns the authenticated account, or derives an anonymous subject from the
// request signals and the client address.
func (handler *httpHandler) resolveSubject(ctx *gin.Context, signals *anonymousSignals) (quota.Subject, bool) {
	if rawSubject, ok := authenticatedSubject(ctx); ok {
		accountID, err := quota.NewAccountID(rawSubject)
		if err == nil {
			var subject quota.Subject
			if subject, err = quota.NewAccountSubject(accountID); err == nil {
				return subject, true
			}
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_subject", err.Error()))
		return quota.Subject{}, false
	}
	collected := identity.Signals{Address: ctx.ClientIP()}
	if signals != nil {
		collected.Fingerprint = signals.Fingerprint
		collected.Components = signals.Components
	}
	if collected.Fingerprint == "" {
		collected.Fingerprint = ctx.GetHeader(headerFingerprint)
	}
	anonymousID, err := handler.resolver.Resolve(collected)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_identity", "no identity signals"))
		return quota.Subject{}, false
	}
	subject, err := quota.NewAnonymousSubject(anonymousID, identity.NetworkBucket(collected.Address))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_identity", err.Error()))
		return quota.Subject{}, false
	}
	return subject, true
}

func (handler *httpHandler) observeDecision(decision quota.Decision) {
	if handler.observer == nil {
		return
	}
	outcome := outcomeAllowed
	if !decision.Allowed {
		outcome = string(decision.Reason)
	}
	handler.observer.QuotaDecided(decision.Usage.Plan.String(), outcome)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(ctx.Request.Context(), handler.logger).Error("request failed",
			zap.String("route", ctx.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		ctx.Header("Retry-After", "1")
	}
	ctx.JSON(status, errorResponse(code, publicMessage(status, err)))
}

// mapError converts domain errors into HTTP status codes and stable error codes.
func mapError(err error) (int, string) {
	var validationError *webhook.ValidationError
	switch {
	case errors.As(err, &validationError):
		switch validationError.Reason {
		case webhook.ReasonInvalidSignature:
			return http.StatusUnauthorized, string(validationError.Reason)
		case webhook.ReasonReplay:
			return http.StatusConflict, string(validationError.Reason)
		case webhook.ReasonPayloadTooLarge:
			return http.StatusRequestEntityTooLarge, string(validationError.Reason)
		default:
			return http.StatusBadRequest, string(validationError.Reason)
		}
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, string(quota.ReasonQuotaExceeded)
	case errors.Is(err, quota.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case errors.Is(err, quota.ErrOptimisticLock), errors.Is(err, quota.ErrLockUnavailable):
		return http.StatusServiceUnavailable, "contention"
	case errors.Is(err, quota.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, quota.ErrInvalidAccountID),
		errors.Is(err, quota.ErrInvalidSubject),
		errors.Is(err, quota.ErrInvalidAction),
		errors.Is(err, quota.ErrInvalidMetadataJSON),
		errors.Is(err, quota.ErrInvalidIdempotencyKey),
		errors.Is(err, quota.ErrInvalidTier):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	return err.Error()
}

func writeRateLimitHeaders(ctx *gin.Context, result ratelimit.Result) {
	for name, value := range ratelimit.Headers(result) {
		ctx.Header(name, value)
	}
}

func newUsageResponse(usage quota.Usage) usageResponse {
	return usageResponse{
		Plan:      usage.Plan.String(),
		Current:   usage.Current,
		Limit:     usage.Limit,
		Remaining: usage.Remaining(),
		Unbounded: usage.Unbounded,
	}
}
