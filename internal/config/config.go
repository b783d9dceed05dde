package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/cache"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/ratelimit"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "QUOTAD"

	KeyDatabaseURL            = "database_url"
	KeyRedisAddr              = "redis_addr"
	KeyRedisPassword          = "redis_password"
	KeyRedisDB                = "redis_db"
	KeyHTTPListenAddr         = "http_listen_addr"
	KeyGRPCListenAddr         = "grpc_listen_addr"
	KeyLogLevel               = "log_level"
	KeyLogFormat              = "log_format"
	KeyJWTSigningKey          = "jwt_signing_key"
	KeyJWTIssuer              = "jwt_issuer"
	KeyAllowedOrigins         = "allowed_origins"
	KeyIdentitySalt           = "identity_salt"
	KeyWebhookSecret          = "webhook_secret"
	KeyWebhookReplayWindow    = "webhook_replay_window"
	KeyWebhookMaxAttempts     = "webhook_max_attempts"
	KeyWebhookMaxPayloadBytes = "webhook_max_payload_bytes"
	KeyWebhookPollInterval    = "webhook_poll_interval"
	KeyWebhookStaleAfter      = "webhook_stale_after"
	KeyLockTTL                = "lock_ttl"
	KeyLockRetries            = "lock_retries"
	KeyLockRetryDelay         = "lock_retry_delay"
	KeyUpdateMaxRetries       = "update_max_retries"
	KeyUpdateBackoffBase      = "update_backoff_base"
	KeyUpdateBackoffMax       = "update_backoff_max"
	KeyQuotaAnonymousLimit    = "quota_anonymous_limit"
	KeyQuotaFreeLimit         = "quota_free_limit"
	KeyQuotaProLimit          = "quota_pro_limit"
	KeyQuotaProWindow         = "quota_pro_window"
	KeyQuotaEnterpriseLimit   = "quota_enterprise_limit"
	KeyRateAnonymousCreate    = "rate_limit_anonymous_create"
	KeyRateAnonymousNetwork   = "rate_limit_anonymous_create_network"
	KeyRateFreeCreate         = "rate_limit_free_create"
	KeyRateProCreate          = "rate_limit_pro_create"
	KeyRateEnterpriseCreate   = "rate_limit_enterprise_create"
	KeyRateRead               = "rate_limit_read"
	KeyRateReadWindow         = "rate_limit_read_window"
	KeyCacheTTLNearLimit      = "cache_ttl_near_limit"
	KeyCacheTTLPaid           = "cache_ttl_paid"
	KeyCacheTTLFree           = "cache_ttl_free"
	KeyRequestTimeout         = "request_timeout"

	defaultDatabaseURL            = "quotaguard.db"
	defaultHTTPListenAddr         = ":8080"
	defaultGRPCListenAddr         = ":7000"
	defaultLogLevel               = "info"
	defaultLogFormat              = "json"
	defaultJWTIssuer              = "quotaguard"
	defaultAllowedOrigin          = "http://localhost:8000"
	defaultWebhookReplayWindow    = 5 * time.Minute
	defaultWebhookMaxAttempts     = 5
	defaultWebhookMaxPayloadBytes = 256 * 1024
	defaultWebhookPollInterval    = time.Second
	defaultWebhookStaleAfter      = 2 * time.Minute
	defaultLockTTL                = 30 * time.Second
	defaultLockRetries            = 3
	defaultLockRetryDelay         = 100 * time.Millisecond
	defaultUpdateMaxRetries       = 3
	defaultUpdateBackoff          = time.Second
	defaultQuotaAnonymousLimit    = 1
	defaultQuotaFreeLimit         = 3
	defaultQuotaProLimit          = 100
	defaultQuotaProWindow         = 30 * 24 * time.Hour
	defaultRateAnonymousCreate    = 1
	defaultRateAnonymousNetwork   = 5
	defaultRateFreeCreate         = 10
	defaultRateProCreate          = 100
	defaultRateEnterpriseCreate   = 10000
	defaultRateRead               = 600
	defaultRateReadWindow         = time.Minute
	rateCreateDailyWindow         = 24 * time.Hour
	rateCreateMonthlyWindow       = 30 * 24 * time.Hour
	defaultCacheTTLNearLimit      = 10 * time.Second
	defaultCacheTTLPaid           = 30 * time.Second
	defaultCacheTTLFree           = time.Minute
	defaultRequestTimeout         = 5 * time.Second
)

// ErrInvalidConfig marks a configuration that cannot start the service.
var ErrInvalidConfig = errors.New("config: invalid")

// Config aggregates runtime settings for quotad.
type Config struct {
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	HTTPListenAddr         string
	GRPCListenAddr         string
	LogLevel               string
	LogFormat              string
	JWTSigningKey          string
	JWTIssuer              string
	AllowedOrigins         []string
	IdentitySalt           string
	WebhookSecret          string
	WebhookReplayWindow    time.Duration
	WebhookMaxAttempts     int
	WebhookMaxPayloadBytes int
	WebhookPollInterval    time.Duration
	WebhookStaleAfter      time.Duration
	LockTTL                time.Duration
	LockRetries            int
	LockRetryDelay         time.Duration
	UpdateMaxRetries       int
	UpdateBackoffBase      time.Duration
	UpdateBackoffMax       time.Duration
	QuotaAnonymousLimit    int64
	QuotaFreeLimit         int64
	QuotaProLimit          int64
	QuotaProWindow         time.Duration
	QuotaEnterpriseLimit   int64
	RateAnonymousCreate    int64
	RateAnonymousNetwork   int64
	RateFreeCreate         int64
	RateProCreate          int64
	RateEnterpriseCreate   int64
	RateRead               int64
	RateReadWindow         time.Duration
	CacheTTLNearLimit      time.Duration
	CacheTTLPaid           time.Duration
	CacheTTLFree           time.Duration
	RequestTimeout         time.Duration
}

// RegisterFlags declares every configuration flag on flags. Zero values mean "use the default".
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyDatabaseURL, "", "database DSN: postgres://... or a sqlite path")
	flags.String(KeyRedisAddr, "", "Redis address for rate limiting and caching (optional)")
	flags.String(KeyRedisPassword, "", "Redis password")
	flags.Int(KeyRedisDB, 0, "Redis database index")
	flags.String(KeyHTTPListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(KeyGRPCListenAddr, "", "gRPC health listen address (default :7000)")
	flags.String(KeyLogLevel, "", "log level: debug, info, warn, error")
	flags.String(KeyLogFormat, "", "log format: json or console")
	flags.String(KeyJWTSigningKey, "", "HS256 key for bearer tokens; empty disables authentication")
	flags.String(KeyJWTIssuer, "", "expected JWT issuer")
	flags.String(KeyAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(KeyIdentitySalt, "", "salt for anonymous identifiers (required)")
	flags.String(KeyWebhookSecret, "", "base64 webhook signing secret, optional whsec_ prefix (required)")
	flags.Duration(KeyWebhookReplayWindow, 0, "accepted webhook timestamp skew")
	flags.Int(KeyWebhookMaxAttempts, 0, "delivery attempts before a job is failed")
	flags.Int(KeyWebhookMaxPayloadBytes, 0, "largest accepted webhook body")
	flags.Duration(KeyWebhookPollInterval, 0, "drain worker poll interval")
	flags.Duration(KeyWebhookStaleAfter, 0, "age after which a processing claim is reclaimed")
	flags.Duration(KeyLockTTL, 0, "distributed lock TTL")
	flags.Int(KeyLockRetries, 0, "lock acquisition retries")
	flags.Duration(KeyLockRetryDelay, 0, "delay between lock acquisition attempts")
	flags.Int(KeyUpdateMaxRetries, 0, "optimistic update attempts")
	flags.Duration(KeyUpdateBackoffBase, 0, "first optimistic retry delay")
	flags.Duration(KeyUpdateBackoffMax, 0, "largest optimistic retry delay")
	flags.Int64(KeyQuotaAnonymousLimit, 0, "anonymous lifetime quota")
	flags.Int64(KeyQuotaFreeLimit, 0, "free tier lifetime quota")
	flags.Int64(KeyQuotaProLimit, 0, "pro tier quota per window")
	flags.Duration(KeyQuotaProWindow, 0, "pro tier quota window")
	flags.Int64(KeyQuotaEnterpriseLimit, 0, "enterprise quota; 0 is unbounded")
	flags.Int64(KeyRateAnonymousCreate, 0, "anonymous create calls per day; never below the anonymous quota")
	flags.Int64(KeyRateAnonymousNetwork, 0, "anonymous create calls per day per network")
	flags.Int64(KeyRateFreeCreate, 0, "free tier create calls per day; never below the free quota")
	flags.Int64(KeyRateProCreate, 0, "pro tier create calls per quota window; never below the pro quota")
	flags.Int64(KeyRateEnterpriseCreate, 0, "enterprise create calls per 30 days")
	flags.Int64(KeyRateRead, 0, "read calls per read window, every tier")
	flags.Duration(KeyRateReadWindow, 0, "read rate-limit window")
	flags.Duration(KeyCacheTTLNearLimit, 0, "snapshot TTL near the quota ceiling")
	flags.Duration(KeyCacheTTLPaid, 0, "snapshot TTL for paid tiers")
	flags.Duration(KeyCacheTTLFree, 0, "snapshot TTL for free and anonymous tiers")
	flags.Duration(KeyRequestTimeout, 0, "per-request timeout")
}

// LoadDotEnv loads path into the process environment without overriding variables already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads flags and QUOTAD_* environment variables, with flags taking precedence, and validates
// the result.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:            strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		RedisAddr:              strings.TrimSpace(v.GetString(KeyRedisAddr)),
		RedisPassword:          v.GetString(KeyRedisPassword),
		RedisDB:                v.GetInt(KeyRedisDB),
		HTTPListenAddr:         strings.TrimSpace(v.GetString(KeyHTTPListenAddr)),
		GRPCListenAddr:         strings.TrimSpace(v.GetString(KeyGRPCListenAddr)),
		LogLevel:               strings.TrimSpace(v.GetString(KeyLogLevel)),
		LogFormat:              strings.TrimSpace(v.GetString(KeyLogFormat)),
		JWTSigningKey:          v.GetString(KeyJWTSigningKey),
		JWTIssuer:              strings.TrimSpace(v.GetString(KeyJWTIssuer)),
		AllowedOrigins:         ParseAllowedOrigins(v.GetString(KeyAllowedOrigins)),
		IdentitySalt:           v.GetString(KeyIdentitySalt),
		WebhookSecret:          strings.TrimSpace(v.GetString(KeyWebhookSecret)),
		WebhookReplayWindow:    v.GetDuration(KeyWebhookReplayWindow),
		WebhookMaxAttempts:     v.GetInt(KeyWebhookMaxAttempts),
		WebhookMaxPayloadBytes: v.GetInt(KeyWebhookMaxPayloadBytes),
		WebhookPollInterval:    v.GetDuration(KeyWebhookPollInterval),
		WebhookStaleAfter:      v.GetDuration(KeyWebhookStaleAfter),
		LockTTL:                v.GetDuration(KeyLockTTL),
		LockRetries:            v.GetInt(KeyLockRetries),
		LockRetryDelay:         v.GetDuration(KeyLockRetryDelay),
		UpdateMaxRetries:       v.GetInt(KeyUpdateMaxRetries),
		UpdateBackoffBase:      v.GetDuration(KeyUpdateBackoffBase),
		UpdateBackoffMax:       v.GetDuration(KeyUpdateBackoffMax),
		QuotaAnonymousLimit:    v.GetInt64(KeyQuotaAnonymousLimit),
		QuotaFreeLimit:         v.GetInt64(KeyQuotaFreeLimit),
		QuotaProLimit:          v.GetInt64(KeyQuotaProLimit),
		QuotaProWindow:         v.GetDuration(KeyQuotaProWindow),
		QuotaEnterpriseLimit:   v.GetInt64(KeyQuotaEnterpriseLimit),
		RateAnonymousCreate:    v.GetInt64(KeyRateAnonymousCreate),
		RateAnonymousNetwork:   v.GetInt64(KeyRateAnonymousNetwork),
		RateFreeCreate:         v.GetInt64(KeyRateFreeCreate),
		RateProCreate:          v.GetInt64(KeyRateProCreate),
		RateEnterpriseCreate:   v.GetInt64(KeyRateEnterpriseCreate),
		RateRead:               v.GetInt64(KeyRateRead),
		RateReadWindow:         v.GetDuration(KeyRateReadWindow),
		CacheTTLNearLimit:      v.GetDuration(KeyCacheTTLNearLimit),
		CacheTTLPaid:           v.GetDuration(KeyCacheTTLPaid),
		CacheTTLFree:           v.GetDuration(KeyCacheTTLFree),
		RequestTimeout:         v.GetDuration(KeyRequestTimeout),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects values the service cannot run with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.LogLevel = strings.ToLower(defaultIfEmpty(cfg.LogLevel, defaultLogLevel))
	cfg.LogFormat = strings.ToLower(defaultIfEmpty(cfg.LogFormat, defaultLogFormat))
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.WebhookReplayWindow = defaultDuration(cfg.WebhookReplayWindow, defaultWebhookReplayWindow)
	cfg.WebhookMaxAttempts = defaultInt(cfg.WebhookMaxAttempts, defaultWebhookMaxAttempts)
	cfg.WebhookMaxPayloadBytes = defaultInt(cfg.WebhookMaxPayloadBytes, defaultWebhookMaxPayloadBytes)
	cfg.WebhookPollInterval = defaultDuration(cfg.WebhookPollInterval, defaultWebhookPollInterval)
	cfg.WebhookStaleAfter = defaultDuration(cfg.WebhookStaleAfter, defaultWebhookStaleAfter)
	cfg.LockTTL = defaultDuration(cfg.LockTTL, defaultLockTTL)
	cfg.LockRetries = defaultInt(cfg.LockRetries, defaultLockRetries)
	cfg.LockRetryDelay = defaultDuration(cfg.LockRetryDelay, defaultLockRetryDelay)
	cfg.UpdateMaxRetries = defaultInt(cfg.UpdateMaxRetries, defaultUpdateMaxRetries)
	cfg.UpdateBackoffBase = defaultDuration(cfg.UpdateBackoffBase, defaultUpdateBackoff)
	cfg.UpdateBackoffMax = defaultDuration(cfg.UpdateBackoffMax, defaultUpdateBackoff)
	if cfg.QuotaAnonymousLimit == 0 {
		cfg.QuotaAnonymousLimit = defaultQuotaAnonymousLimit
	}
	if cfg.QuotaFreeLimit == 0 {
		cfg.QuotaFreeLimit = defaultQuotaFreeLimit
	}
	if cfg.QuotaProLimit == 0 {
		cfg.QuotaProLimit = defaultQuotaProLimit
	}
	cfg.QuotaProWindow = defaultDuration(cfg.QuotaProWindow, defaultQuotaProWindow)
	// Unset create ceilings never throttle below what the plan allows.
	cfg.RateAnonymousCreate = defaultInt64(cfg.RateAnonymousCreate, max(defaultRateAnonymousCreate, cfg.QuotaAnonymousLimit))
	cfg.RateAnonymousNetwork = defaultInt64(cfg.RateAnonymousNetwork, defaultRateAnonymousNetwork)
	cfg.RateFreeCreate = defaultInt64(cfg.RateFreeCreate, max(defaultRateFreeCreate, cfg.QuotaFreeLimit))
	cfg.RateProCreate = defaultInt64(cfg.RateProCreate, max(defaultRateProCreate, cfg.QuotaProLimit))
	cfg.RateEnterpriseCreate = defaultInt64(cfg.RateEnterpriseCreate, max(defaultRateEnterpriseCreate, cfg.QuotaEnterpriseLimit))
	cfg.RateRead = defaultInt64(cfg.RateRead, defaultRateRead)
	cfg.RateReadWindow = defaultDuration(cfg.RateReadWindow, defaultRateReadWindow)
	cfg.CacheTTLNearLimit = defaultDuration(cfg.CacheTTLNearLimit, defaultCacheTTLNearLimit)
	cfg.CacheTTLPaid = defaultDuration(cfg.CacheTTLPaid, defaultCacheTTLPaid)
	cfg.CacheTTLFree = defaultDuration(cfg.CacheTTLFree, defaultCacheTTLFree)
	cfg.RequestTimeout = defaultDuration(cfg.RequestTimeout, defaultRequestTimeout)

	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, cfg.LogFormat)
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("%w: redis db must be non-negative", ErrInvalidConfig)
	}
	if cfg.UpdateBackoffMax < cfg.UpdateBackoffBase {
		return fmt.Errorf("%w: update backoff max below base", ErrInvalidConfig)
	}
	if cfg.QuotaAnonymousLimit < 0 || cfg.QuotaFreeLimit < 0 || cfg.QuotaProLimit < 0 || cfg.QuotaEnterpriseLimit < 0 {
		return fmt.Errorf("%w: quota limits must be non-negative", ErrInvalidConfig)
	}
	if err := cfg.RateLimitPolicies().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RequireServing checks the settings only the HTTP surface needs.
func (cfg Config) RequireServing() error {
	if strings.TrimSpace(cfg.IdentitySalt) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyIdentitySalt)
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyWebhookSecret)
	}
	return nil
}

// PlanCatalog builds the quota plans from the configured limits.
func (cfg Config) PlanCatalog() quota.PlanCatalog {
	return quota.PlanCatalog{
		quota.TierAnonymous:  {Tier: quota.TierAnonymous, Limit: cfg.QuotaAnonymousLimit},
		quota.TierFree:       {Tier: quota.TierFree, Limit: cfg.QuotaFreeLimit},
		quota.TierPro:        {Tier: quota.TierPro, Limit: cfg.QuotaProLimit, Window: cfg.QuotaProWindow},
		quota.TierEnterprise: {Tier: quota.TierEnterprise, Limit: cfg.QuotaEnterpriseLimit},
	}
}

// RateLimitPolicies builds the limiter ceilings. Pro create calls share the pro quota window.
func (cfg Config) RateLimitPolicies() ratelimit.Policies {
	anonymous := quota.TierAnonymous.String()
	policies := ratelimit.Policies{
		{Tier: anonymous, EndpointClass: ratelimit.EndpointCreate}:                     {Limit: cfg.RateAnonymousCreate, Window: rateCreateDailyWindow},
		{Tier: anonymous, EndpointClass: ratelimit.EndpointCreateNetwork}:              {Limit: cfg.RateAnonymousNetwork, Window: rateCreateDailyWindow},
		{Tier: quota.TierFree.String(), EndpointClass: ratelimit.EndpointCreate}:       {Limit: cfg.RateFreeCreate, Window: rateCreateDailyWindow},
		{Tier: quota.TierPro.String(), EndpointClass: ratelimit.EndpointCreate}:        {Limit: cfg.RateProCreate, Window: cfg.QuotaProWindow},
		{Tier: quota.TierEnterprise.String(), EndpointClass: ratelimit.EndpointCreate}: {Limit: cfg.RateEnterpriseCreate, Window: rateCreateMonthlyWindow},
	}
	for _, tier := range []quota.Tier{quota.TierAnonymous, quota.TierFree, quota.TierPro, quota.TierEnterprise} {
		policies[ratelimit.PolicyKey{Tier: tier.String(), EndpointClass: ratelimit.EndpointRead}] = ratelimit.Policy{Limit: cfg.RateRead, Window: cfg.RateReadWindow}
	}
	return policies
}

// CacheTTLPolicy builds the snapshot TTLs from the configured durations.
func (cfg Config) CacheTTLPolicy() cache.TTLPolicy {
	return cache.TTLPolicy{NearLimit: cfg.CacheTTLNearLimit, Paid: cfg.CacheTTLPaid, Free: cfg.CacheTTLFree}
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func defaultInt64(value int64, fallback int64) int64 {
	if value <= 0 {
		return fallback
	}
	return value
}

func defaultInt(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
