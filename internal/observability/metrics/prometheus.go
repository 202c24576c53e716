// Package metrics provides Prometheus metrics for the safety and monitoring services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SafetyEvaluations    *prometheus.CounterVec
	PrescriptionsCreated *prometheus.CounterVec
	SubmissionAttempts   *prometheus.CounterVec
	RiskLogs             *prometheus.CounterVec
	Notifications        *prometheus.CounterVec
	NoteVersions         prometheus.Counter
	SweepDuration        prometheus.Histogram
	HTTPDuration         *prometheus.HistogramVec
	KafkaMessages        *prometheus.CounterVec
	OutboxPending        prometheus.Gauge
}

// New creates all metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		SafetyEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_evaluations_total",
			Help: "Draft evaluations by highest finding level",
		}, []string{"level"}),
		PrescriptionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Prescriptions saved by risk level",
		}, []string{"risk_level"}),
		SubmissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erx_transmission_attempts_total",
			Help: "e-Rx transmission attempts by outcome",
		}, []string{"outcome"}),
		RiskLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_logs_total",
			Help: "Risk logs written by level",
		}, []string{"level"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification channel deliveries by channel and outcome",
		}, []string{"channel", "outcome"}),
		NoteVersions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "note_versions_saved_total",
			Help: "Note versions saved",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "high_risk_sweep_duration_seconds",
			Help:    "Duration of the high-risk notification sweep",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10},
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		KafkaMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_total",
			Help: "Kafka messages by topic and direction",
		}, []string{"topic", "direction"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
	}

	reg.MustRegister(
		m.SafetyEvaluations,
		m.PrescriptionsCreated,
		m.SubmissionAttempts,
		m.RiskLogs,
		m.Notifications,
		m.NoteVersions,
		m.SweepDuration,
		m.HTTPDuration,
		m.KafkaMessages,
		m.OutboxPending,
	)

	return m
}

// Handler returns the scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Evaluation(level string) {
	if m != nil {
		m.SafetyEvaluations.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) PrescriptionCreated(riskLevel string) {
	if m != nil {
		m.PrescriptionsCreated.WithLabelValues(riskLevel).Inc()
	}
}

func (m *Metrics) SubmissionAttempt(outcome string) {
	if m != nil {
		m.SubmissionAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RiskLogged(level string) {
	if m != nil {
		m.RiskLogs.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) NotificationDelivered(channel string, ok bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) NoteVersionSaved() {
	if m != nil {
		m.NoteVersions.Inc()
	}
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m != nil {
		m.HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	}
}

func (m *Metrics) KafkaMessage(topic, direction string) {
	if m != nil {
		m.KafkaMessages.WithLabelValues(topic, direction).Inc()
	}
}

func (m *Metrics) SetOutboxPending(n int) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}
