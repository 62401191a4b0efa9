package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "library"

// Metrics owns the process registry and the collectors the service updates.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	loanOperations    *prometheus.CounterVec
	penaltiesApplied  prometheus.Counter
	txRetries         prometheus.Counter
	publishFailures   prometheus.Counter
	rateLimitRejected prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		loanOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_operations_total",
			Help:      "Borrow and return attempts by outcome.",
		}, []string{"operation", "outcome"}),
		penaltiesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "penalties_applied_total",
			Help:      "Penalties given for late returns.",
		}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Transactions re-run after a serialization failure.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Loan events that could not be published.",
		}),
		rateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Write requests rejected by the rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.loanOperations,
		m.penaltiesApplied,
		m.txRetries,
		m.publishFailures,
		m.rateLimitRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest matches util.RequestObserver.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// LoanOperation counts a borrow or return by outcome ("success" or an error kind).
func (m *Metrics) LoanOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.loanOperations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) PenaltyApplied() {
	if m == nil {
		return
	}
	m.penaltiesApplied.Inc()
}

// TxRetry matches the store.RetryPolicy OnRetry hook.
func (m *Metrics) TxRetry(int, error) {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejected.Inc()
}
