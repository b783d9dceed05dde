package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/identity"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/webhook"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
	claimsContextKey      = "auth_subject"
)

// ErrInvalidConfig marks a server that cannot be built.
var ErrInvalidConfig = errors.New("httpapi: invalid config")

// QuotaService is the quota surface served over HTTP.
type QuotaService interface {
	CheckAndReserve(ctx context.Context, subject quota.Subject, action quota.Action) (quota.Decision, error)
	RecordUsageEvent(ctx context.Context, subject quota.Subject, action quota.Action, resourceRef string, metadata quota.MetadataJSON, idempotencyKey quota.IdempotencyKey) (quota.UsageEvent, error)
	Usage(ctx context.Context, subject quota.Subject) (quota.Usage, error)
	DeleteAccount(ctx context.Context, accountID quota.AccountID) error
}

// WebhookIngestor admits billing webhooks.
type WebhookIngestor interface {
	Ingest(ctx context.Context, headers http.Header, payload []byte) (webhook.IngestResult, error)
}

// AnonymousResolver derives stable anonymous identifiers.
type AnonymousResolver interface {
	Resolve(signals identity.Signals) (string, error)
}

// ReadLimiter throttles read endpoints.
type ReadLimiter interface {
	Check(ctx context.Context, identifier string, tier string, endpointClass string) ratelimit.Result
}

// Observer receives request and decision events for metrics.
type Observer interface {
	HTTPObserved(route string, method string, status int, elapsed time.Duration)
	QuotaDecided(plan string, outcome string)
}

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
	JWTSigningKey  string
	JWTIssuer      string
}

// Dependencies bundles the collaborators of the HTTP surface.
type Dependencies struct {
	Quota          QuotaService
	Ingestor       WebhookIngestor
	Resolver       AnonymousResolver
	ReadLimiter    ReadLimiter
	Observer       Observer
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// Server is the HTTP boundary of quotad.
type Server struct {
	cfg     Config
	handler *httpHandler
	router  *gin.Engine
	logger  *zap.Logger
}

// NewServer validates dependencies and builds the router.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Quota == nil {
		return nil, fmt.Errorf("%w: quota service is nil", ErrInvalidConfig)
	}
	if deps.Ingestor == nil {
		return nil, fmt.Errorf("%w: webhook ingestor is nil", ErrInvalidConfig)
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("%w: anonymous resolver is nil", ErrInvalidConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{
		quota:       deps.Quota,
		ingestor:    deps.Ingestor,
		resolver:    deps.Resolver,
		readLimiter: deps.ReadLimiter,
		observer:    deps.Observer,
		logger:      deps.Logger,
		timeout:     cfg.RequestTimeout,
	}
	server := &Server{cfg: cfg, handler: handler, logger: deps.Logger}
	server.router = setupRouter(cfg, handler, deps.MetricsHandler)
	return server, nil
}

// Handler exposes the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx ends, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(correlationMiddleware())
	router.Use(observeMiddleware(handler.observer))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", headerCorrelationID, headerFingerprint},
		ExposeHeaders:    []string{headerCorrelationID, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1")
	v1.POST("/webhooks/billing", handler.handleBillingWebhook)

	metered := v1.Group("")
	metered.Use(authMiddleware(cfg.JWTSigningKey, cfg.JWTIssuer))
	metered.POST("/quota/check", handler.handleCheck)
	metered.POST("/usage/events", handler.handleRecordUsage)
	metered.GET("/usage", handler.handleUsage)
	metered.DELETE("/account", handler.handleDeleteAccount)

	return router
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
