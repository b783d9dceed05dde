package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	secretPrefix             = "whsec_"
	signatureVersion         = "v1"
	defaultReplayWindow      = 5 * time.Minute
	defaultMaxPayloadBytes   = 256 * 1024
	replayGuardWindowFactor  = 2
	signatureVersionSplitter = ","
)

// Validator admits signed deliveries.
type Validator struct {
	secret          []byte
	store           ReplayStore
	replayWindow    time.Duration
	maxPayloadBytes int
	nowFn           func() time.Time
	logger          *zap.Logger
	observer        Observer
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithReplayWindow sets the accepted clock skew. Replay guards live for twice this window.
func WithReplayWindow(window time.Duration) ValidatorOption {
	return func(validator *Validator) {
		if window > 0 {
			validator.replayWindow = window
		}
	}
}

// WithMaxPayloadBytes sets the payload ceiling.
func WithMaxPayloadBytes(limit int) ValidatorOption {
	return func(validator *Validator) {
		if limit > 0 {
			validator.maxPayloadBytes = limit
		}
	}
}

// WithValidatorClock overrides the validator clock.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(validator *Validator) {
		if now != nil {
			validator.nowFn = now
		}
	}
}

// WithValidatorLogger attaches a logger for security events.
func WithValidatorLogger(logger *zap.Logger) ValidatorOption {
	return func(validator *Validator) {
		if logger != nil {
			validator.logger = logger
		}
	}
}

// WithValidatorObserver attaches a metrics observer.
func WithValidatorObserver(observer Observer) ValidatorOption {
	return func(validator *Validator) {
		validator.observer = observer
	}
}

// NewValidator builds a Validator for a "whsec_"-prefixed base64 secret (the prefix is optional).
func NewValidator(secret string, store ReplayStore, options ...ValidatorOption) (*Validator, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: replay store is nil", ErrInvalidConfig)
	}
	validator := &Validator{
		secret:          key,
		store:           store,
		replayWindow:    defaultReplayWindow,
		maxPayloadBytes: defaultMaxPayloadBytes,
		nowFn:           func() time.Time { return time.Now().UTC() },
		logger:          zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(validator)
		}
	}
	return validator, nil
}

// Validate runs the admission checks in order: required headers, payload size, timestamp window,
// signature, payload shape, then the replay guard. The first failure is returned as a
// *ValidationError.
func (validator *Validator) Validate(ctx context.Context, headers http.Header, payload []byte) (Envelope, error) {
	envelope, err := validator.validate(ctx, headers, payload)
	if err != nil {
		var validationError *ValidationError
		if errors.As(err, &validationError) {
			validator.logger.Warn("webhook rejected",
				zap.String("reason", string(validationError.Reason)),
				zap.String("webhook_id", headers.Get(HeaderID)),
				zap.String("detail", validationError.Detail),
			)
			if validator.observer != nil {
				validator.observer.WebhookRejected(string(validationError.Reason))
			}
		}
		return Envelope{}, err
	}
	return envelope, nil
}

func (validator *Validator) validate(ctx context.Context, headers http.Header, payload []byte) (Envelope, error) {
	eventID := strings.TrimSpace(headers.Get(HeaderID))
	rawTimestamp := strings.TrimSpace(headers.Get(HeaderTimestamp))
	rawSignatures := strings.TrimSpace(headers.Get(HeaderSignature))
	if eventID == "" || rawTimestamp == "" || rawSignatures == "" {
		return Envelope{}, reject(ReasonMissingHeaders, "")
	}
	if len(payload) > validator.maxPayloadBytes {
		return Envelope{}, reject(ReasonPayloadTooLarge, strconv.Itoa(len(payload)))
	}
	seconds, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return Envelope{}, reject(ReasonInvalidTimestamp, rawTimestamp)
	}
	timestamp := time.Unix(seconds, 0).UTC()
	skew := validator.nowFn().Sub(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > validator.replayWindow {
		return Envelope{}, reject(ReasonStaleTimestamp, skew.String())
	}
	if !validator.signatureMatches(eventID, rawTimestamp, payload, rawSignatures) {
		return Envelope{}, reject(ReasonInvalidSignature, "")
	}
	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Envelope{}, reject(ReasonMalformedPayload, err.Error())
	}
	if strings.TrimSpace(body.Type) == "" {
		return Envelope{}, reject(ReasonMalformedPayload, "missing type")
	}
	now := validator.nowFn()
	inserted, err := validator.store.InsertReplayGuard(ctx, eventID, now, now.Add(replayGuardWindowFactor*validator.replayWindow))
	if err != nil {
		return Envelope{}, err
	}
	if !inserted {
		return Envelope{}, reject(ReasonReplay, eventID)
	}
	return Envelope{
		ID:        eventID,
		Timestamp: timestamp,
		Type:      body.Type,
		Payload:   json.RawMessage(payload),
	}, nil
}

// Release drops the replay guard of eventID so the provider's redelivery is admitted again.
func (validator *Validator) Release(ctx context.Context, eventID string) error {
	return validator.store.DeleteReplayGuard(ctx, eventID)
}

// Sign returns the signature header value for payload. It is used by tests and by tooling that
// replays deliveries.
func (validator *Validator) Sign(eventID string, timestamp string, payload []byte) string {
	return signatureVersion + signatureVersionSplitter + base64.StdEncoding.EncodeToString(computeSignature(validator.secret, eventID, timestamp, payload))
}

func (validator *Validator) signatureMatches(eventID string, timestamp string, payload []byte, rawSignatures string) bool {
	expected := computeSignature(validator.secret, eventID, timestamp, payload)
	for _, candidate := range strings.Fields(rawSignatures) {
		version, encoded, found := strings.Cut(candidate, signatureVersionSplitter)
		if !found || version != signatureVersion {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

func computeSignature(secret []byte, eventID string, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(eventID))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func decodeSecret(secret string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(secret), secretPrefix)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: signing secret is empty", ErrInvalidConfig)
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: signing secret is not base64: %v", ErrInvalidConfig, err)
	}
	return key, nil
}
