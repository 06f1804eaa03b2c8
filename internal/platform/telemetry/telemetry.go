// Package telemetry exposes Prometheus metrics for the gateway's HTTP
// surface, its upstream EHR reads and its access decisions.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/genomic-gateway/internal/platform/middleware"
)

const namespace = "genomic_gateway"

var (
	defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	defaultSizeBuckets     = prometheus.ExponentialBuckets(256, 4, 8)
)

// Config holds telemetry settings.
type Config struct {
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = use default (true)
	// ProcessMetrics adds the Go runtime and process collectors.
	ProcessMetrics bool
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// Provider owns a private registry and every gateway metric.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	responseSize    prometheus.Histogram

	upstreamAttempts *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	upstreamResults  *prometheus.CounterVec

	accessTotal *prometheus.CounterVec
}

// NewProvider creates a provider and registers its collectors.
func NewProvider(cfg Config) *Provider {
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	reg := prometheus.NewRegistry()
	p := &Provider{
		cfg:      cfg,
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served",
		}),
		responseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   defaultSizeBuckets,
		}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream FHIR calls by resource and outcome",
		}, []string{"resource", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Latency of a single upstream FHIR call",
			Buckets:   defaultDurationBuckets,
		}, []string{"resource"}),
		upstreamResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_executions_total",
			Help:      "Completed executions by resource, result and attempts used",
		}, []string{"resource", "result", "attempts"}),
		accessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patient_data_access_total",
			Help:      "Patient data requests by operation, role and decision",
		}, []string{"operation", "role", "decision"}),
	}

	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Constant 1, labelled with the running version",
	}, []string{"version", "environment"})
	build.WithLabelValues(cfg.ServiceVersion, cfg.Environment).Set(1)

	reg.MustRegister(
		build,
		p.requestDuration, p.activeRequests, p.responseSize,
		p.upstreamAttempts, p.upstreamLatency, p.upstreamResults,
		p.accessTotal,
	)
	if cfg.ProcessMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

// Registry returns the provider's registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// MetricsMiddleware records HTTP server metrics. Routes are labelled by their
// pattern so patient identifiers never become label values.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			p.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			p.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				p.responseSize.Observe(float64(size))
			}
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// ObserveAttempt records one upstream call.
func (p *Provider) ObserveAttempt(resource string, attempt, status int, outcome string, latency time.Duration) {
	if !p.cfg.metricsOn() {
		return
	}
	p.upstreamAttempts.WithLabelValues(resource, outcome).Inc()
	p.upstreamLatency.WithLabelValues(resource).Observe(latency.Seconds())
}

// ObserveResult records how an execution ended.
func (p *Provider) ObserveResult(resource, result string, attempts int) {
	if !p.cfg.metricsOn() {
		return
	}
	p.upstreamResults.WithLabelValues(resource, result, strconv.Itoa(attempts)).Inc()
}

// RecordAccess counts an audited patient data request.
func (p *Provider) RecordAccess(entry middleware.AccessEntry) error {
	if !p.cfg.metricsOn() {
		return nil
	}
	decision := "allowed"
	switch {
	case entry.Denied():
		decision = "denied"
	case entry.StatusCode >= 400:
		decision = "failed"
	}
	role := entry.Role
	if role == "" {
		role = "none"
	}
	p.accessTotal.WithLabelValues(entry.Operation, role, decision).Inc()
	return nil
}
