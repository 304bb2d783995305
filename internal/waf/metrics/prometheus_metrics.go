// Package metrics exposes the gateway's Prometheus metrics: request
// decisions, defense scores, executor timings, sync health, and the
// CAPTCHA flow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Decision labels recorded per request.
const (
	DecisionAllowed   = "allowed"
	DecisionBlocked   = "blocked"
	DecisionMonitored = "monitored"
	DecisionSkipped   = "skipped"
	DecisionCaptcha   = "captcha"
	DecisionTarpit    = "tarpit"
)

// PrometheusMetrics is the gateway's metrics collector.
type PrometheusMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	blockReasonsTotal *prometheus.CounterVec
	wouldBlockTotal   *prometheus.CounterVec
	spamScore         *prometheus.HistogramVec

	executorDuration *prometheus.HistogramVec
	executorSlow     *prometheus.CounterVec

	upstreamResponses *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec

	captchaChallenges *prometheus.CounterVec
	captchaVerify     *prometheus.CounterVec

	syncTotal       *prometheus.CounterVec
	snapshotVersion prometheus.Gauge

	errorsTotal *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics creates a collector on the default registry.
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry creates a collector on a custom
// registry, used by tests to avoid duplicate registration.
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "requests_total",
			Help:      "Total number of inspected requests by decision",
		},
		[]string{"vhost", "decision"},
	)

	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "request_duration_seconds",
			Help:      "Time taken to inspect and answer requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"vhost", "decision"},
	)

	pm.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "active_requests",
			Help:      "Number of requests currently being inspected",
		},
	)

	pm.blockReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "blocks_total",
			Help:      "Total number of enforced blocks by reason",
		},
		[]string{"vhost", "reason"},
	)

	pm.wouldBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "would_blocks_total",
			Help:      "Total number of monitoring-mode would-block decisions by reason",
		},
		[]string{"vhost", "reason"},
	)

	pm.spamScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "spam_score",
			Help:      "Accumulated spam score per inspected request",
			Buckets:   []float64{0, 10, 25, 40, 60, 80, 100, 150, 250},
		},
		[]string{"vhost"},
	)

	pm.executorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "executor_duration_seconds",
			Help:      "Defense profile execution time",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"profile"},
	)

	pm.executorSlow = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "executor_slow_total",
			Help:      "Executions that exceeded the profile's time budget",
		},
		[]string{"profile"},
	)

	pm.upstreamResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "upstream_responses_total",
			Help:      "Upstream responses by status code range",
		},
		[]string{"vhost", "status_range"},
	)

	pm.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "upstream_errors_total",
			Help:      "Failed upstream forwards",
		},
		[]string{"upstream"},
	)

	pm.captchaChallenges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "captcha_challenges_total",
			Help:      "CAPTCHA challenges served",
		},
		[]string{"provider"},
	)

	pm.captchaVerify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "captcha_verifications_total",
			Help:      "CAPTCHA verification attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	pm.syncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "sync_ticks_total",
			Help:      "Config sync ticks by status",
		},
		[]string{"status"},
	)

	pm.snapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "snapshot_version",
			Help:      "Version of the active configuration snapshot",
		},
	)

	pm.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "errors_total",
			Help:      "Internal errors by type",
		},
		[]string{"error_type"},
	)

	registerer.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.activeRequests,
		pm.blockReasonsTotal,
		pm.wouldBlockTotal,
		pm.spamScore,
		pm.executorDuration,
		pm.executorSlow,
		pm.upstreamResponses,
		pm.upstreamErrors,
		pm.captchaChallenges,
		pm.captchaVerify,
		pm.syncTotal,
		pm.snapshotVersion,
		pm.errorsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// RecordRequest records a finished request with its decision.
func (pm *PrometheusMetrics) RecordRequest(vhost, decision string, duration time.Duration) {
	pm.requestsTotal.WithLabelValues(vhost, decision).Inc()
	pm.requestDuration.WithLabelValues(vhost, decision).Observe(duration.Seconds())
}

// RecordBlock records an enforced block.
func (pm *PrometheusMetrics) RecordBlock(vhost, reason string) {
	pm.blockReasonsTotal.WithLabelValues(vhost, reason).Inc()
}

// RecordWouldBlock records a monitoring-mode would-block decision.
func (pm *PrometheusMetrics) RecordWouldBlock(vhost, reason string) {
	pm.wouldBlockTotal.WithLabelValues(vhost, reason).Inc()
}

// RecordSpamScore records a request's accumulated score.
func (pm *PrometheusMetrics) RecordSpamScore(vhost string, score int) {
	pm.spamScore.WithLabelValues(vhost).Observe(float64(score))
}

// RecordExecution records defense profile execution timing.
func (pm *PrometheusMetrics) RecordExecution(profileID string, duration time.Duration, slow bool) {
	pm.executorDuration.WithLabelValues(profileID).Observe(duration.Seconds())
	if slow {
		pm.executorSlow.WithLabelValues(profileID).Inc()
	}
}

// RecordUpstreamResponse records an upstream response by status range.
func (pm *PrometheusMetrics) RecordUpstreamResponse(vhost string, statusCode int) {
	pm.upstreamResponses.WithLabelValues(vhost, statusCodeRange(statusCode)).Inc()
}

// RecordUpstreamError records a failed forward.
func (pm *PrometheusMetrics) RecordUpstreamError(upstream string) {
	pm.upstreamErrors.WithLabelValues(upstream).Inc()
}

// RecordCaptchaChallenge records a served challenge page.
func (pm *PrometheusMetrics) RecordCaptchaChallenge(provider string) {
	pm.captchaChallenges.WithLabelValues(provider).Inc()
}

// RecordCaptchaVerification records a verification attempt.
func (pm *PrometheusMetrics) RecordCaptchaVerification(provider string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	pm.captchaVerify.WithLabelValues(provider, outcome).Inc()
}

// RecordSyncTick records a sync coordinator tick.
func (pm *PrometheusMetrics) RecordSyncTick(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	pm.syncTotal.WithLabelValues(status).Inc()
}

// SetSnapshotVersion publishes the active snapshot version.
func (pm *PrometheusMetrics) SetSnapshotVersion(version uint64) {
	pm.snapshotVersion.Set(float64(version))
}

// RecordError records an internal error by type.
func (pm *PrometheusMetrics) RecordError(errorType string) {
	pm.errorsTotal.WithLabelValues(errorType).Inc()
}

// IncActiveRequests increments the in-flight request gauge.
func (pm *PrometheusMetrics) IncActiveRequests() {
	pm.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight request gauge.
func (pm *PrometheusMetrics) DecActiveRequests() {
	pm.activeRequests.Dec()
}

// ServeHTTP serves the metrics endpoint.
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}

// statusCodeRange converts a status code to its range label.
func statusCodeRange(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
