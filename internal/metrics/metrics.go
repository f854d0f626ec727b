package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the auth core collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	otpGenerated      *prometheus.CounterVec
	otpVerifications  *prometheus.CounterVec
	logins            *prometheus.CounterVec
	accountLocks      prometheus.Counter
	tokens            *prometheus.CounterVec
	deviceRevocations *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	sweeps            *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		otpGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_generated_total",
			Help: "OTP codes generated, by type",
		}, []string{"type"}),
		otpVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_otp_verifications_total",
			Help: "OTP verification outcomes, by type and result",
		}, []string{"type", "result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login step outcomes",
		}, []string{"step", "result"}),
		accountLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_account_locks_total",
			Help: "Accounts locked after repeated password failures",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_tokens_total",
			Help: "Token operations, by operation and result",
		}, []string{"op", "result"}),
		deviceRevocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_device_revocations_total",
			Help: "Devices deactivated, by reason",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_notifications_total",
			Help: "Notification deliveries, by channel and result",
		}, []string{"channel", "result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_sweep_runs_total",
			Help: "Background sweep runs, by job and result",
		}, []string{"job", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.otpGenerated, m.otpVerifications, m.logins, m.accountLocks, m.tokens,
		m.deviceRevocations, m.notifications, m.sweeps, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OtpGenerated(otpType string) {
	if m == nil {
		return
	}
	m.otpGenerated.WithLabelValues(otpType).Inc()
}

func (m *Metrics) OtpVerified(otpType, result string) {
	if m == nil {
		return
	}
	m.otpVerifications.WithLabelValues(otpType, result).Inc()
}

func (m *Metrics) Login(step, result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(step, result).Inc()
}

func (m *Metrics) AccountLocked() {
	if m == nil {
		return
	}
	m.accountLocks.Inc()
}

func (m *Metrics) Token(op, result string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(op, result).Inc()
}

func (m *Metrics) DeviceRevoked(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deviceRevocations.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) Sweep(job, result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(job, result).Inc()
}

// ObserveHTTP records one finished request
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
