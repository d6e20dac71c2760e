package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatlens"

// Review outcomes recorded by ObserveReview.
const (
	ReviewOutcomeReviewed = "reviewed"
	ReviewOutcomeFailed   = "failed"
	ReviewOutcomeDefect   = "defect"
	ReviewOutcomeSkipped  = "skipped"
	ReviewOutcomeCanceled = "canceled"
)

// Metrics holds Prometheus metrics for threatlens. All helper methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	// Pipeline
	EventsIngested *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	ReviewOutcomes *prometheus.CounterVec
	ReviewDuration prometheus.Histogram
	ScoreFallbacks prometheus.Counter

	// Notifications
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec

	// Ingestion edges
	HECEvents   *prometheus.CounterVec
	RateLimited prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Total events persisted by source",
			},
			[]string{"source"},
		),
		Anomalies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_detected_total",
				Help:      "Events scored above the anomaly threshold",
			},
			[]string{"source"},
		),
		ReviewOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_outcomes_total",
				Help:      "Review step outcomes",
			},
			[]string{"outcome"},
		),
		ReviewDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "review_duration_seconds",
				Help:      "Review engine latency",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		ScoreFallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "score_fallbacks_total",
				Help:      "Events scored with the default score because no factor could be parsed",
			},
		),
		NotificationsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Threat notices delivered by publisher",
			},
			[]string{"publisher"},
		),
		NotificationsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Threat notices dropped by publisher",
			},
			[]string{"publisher"},
		),
		HECEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hec_events_total",
				Help:      "Events received on the HEC endpoint",
			},
			[]string{"status"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveIngest counts a persisted event.
func (m *Metrics) ObserveIngest(source string, anomalous bool) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(source).Inc()
	if anomalous {
		m.Anomalies.WithLabelValues(source).Inc()
	}
}

// ObserveReview records the outcome of the review step. A zero elapsed
// skips the latency histogram.
func (m *Metrics) ObserveReview(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ReviewOutcomes.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.ReviewDuration.Observe(elapsed.Seconds())
	}
}

// ScoreFallbackCounter returns the fallback counter, or nil.
func (m *Metrics) ScoreFallbackCounter() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.ScoreFallbacks
}

// ObserveNotification counts a delivered or dropped notice.
func (m *Metrics) ObserveNotification(publisher string, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.NotificationsSent.WithLabelValues(publisher).Inc()
		return
	}
	m.NotificationsDropped.WithLabelValues(publisher).Inc()
}

// ObserveHEC counts events received on the HEC endpoint.
func (m *Metrics) ObserveHEC(status string, n int) {
	if m == nil {
		return
	}
	m.HECEvents.WithLabelValues(status).Add(float64(n))
}

// ObserveRateLimited counts a rejected request.
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
