package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/pkg/cache"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quotaguard"

// Metrics exposes Prometheus collectors for the quota pipeline.
type Metrics struct {
	registry          *prometheus.Registry
	rateLimitChecks   *prometheus.CounterVec
	rateLimitDegraded *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	cacheInvalidated  *prometheus.CounterVec
	webhookRejected   *prometheus.CounterVec
	webhookJobs       *prometheus.CounterVec
	quotaDecisions    *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

var (
	_ ratelimit.Observer = (*Metrics)(nil)
	_ cache.Observer     = (*Metrics)(nil)
	_ webhook.Observer   = (*Metrics)(nil)
)

// New registers every collector on a fresh registry together with the Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		rateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_checks_total",
			Help:      "Rate limit checks by tier, endpoint class and outcome.",
		}, []string{"tier", "endpoint_class", "allowed"}),
		rateLimitDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_degraded_total",
			Help:      "Rate limit checks admitted because the counter store was unavailable.",
		}, []string{"tier", "endpoint_class"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Account snapshot lookups by result.",
		}, []string{"result"}),
		cacheInvalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Cache invalidations by triggering event.",
		}, []string{"event"}),
		webhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Webhook deliveries rejected at admission by reason.",
		}, []string{"reason"}),
		webhookJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_jobs_total",
			Help:      "Webhook job attempts by resulting status.",
		}, []string{"status"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota decisions by plan and outcome.",
		}, []string{"plan", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.rateLimitChecks,
		metrics.rateLimitDegraded,
		metrics.cacheLookups,
		metrics.cacheInvalidated,
		metrics.webhookRejected,
		metrics.webhookJobs,
		metrics.quotaDecisions,
		metrics.httpRequests,
		metrics.httpDuration,
	)
	return metrics
}

// Registry returns the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

func (metrics *Metrics) RateLimitChecked(tier string, endpointClass string, allowed bool) {
	metrics.rateLimitChecks.WithLabelValues(tier, endpointClass, strconv.FormatBool(allowed)).Inc()
}

func (metrics *Metrics) RateLimitDegraded(tier string, endpointClass string) {
	metrics.rateLimitDegraded.WithLabelValues(tier, endpointClass).Inc()
}

func (metrics *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	metrics.cacheLookups.WithLabelValues(result).Inc()
}

func (metrics *Metrics) CacheInvalidated(event string) {
	metrics.cacheInvalidated.WithLabelValues(event).Inc()
}

func (metrics *Metrics) WebhookRejected(reason string) {
	metrics.webhookRejected.WithLabelValues(reason).Inc()
}

func (metrics *Metrics) WebhookJobFinished(status string) {
	metrics.webhookJobs.WithLabelValues(status).Inc()
}

// QuotaDecided counts one quota decision. outcome is "allowed" or the denial reason.
func (metrics *Metrics) QuotaDecided(plan string, outcome string) {
	metrics.quotaDecisions.WithLabelValues(plan, outcome).Inc()
}

// HTTPObserved records one served request.
func (metrics *Metrics) HTTPObserved(route string, method string, status int, elapsed time.Duration) {
	metrics.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	metrics.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
