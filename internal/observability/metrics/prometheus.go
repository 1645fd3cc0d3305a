// Package metrics provides Prometheus metrics for the adherence engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DosesRecorded          prometheus.Counter
	DosesUnmarked          prometheus.Counter
	DuplicateDoses         prometheus.Counter
	ComputationDuration    *prometheus.HistogramVec
	MalformedRecords       prometheus.Counter
	RemindersPublished     *prometheus.CounterVec
	KafkaMessagesProduced  prometheus.Counter
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
	SummaryCacheOperations *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DosesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_doses_recorded_total",
			Help: "Total doses marked taken",
		}),
		DosesUnmarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_doses_unmarked_total",
			Help: "Total doses unmarked for today",
		}),
		DuplicateDoses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_duplicate_doses_total",
			Help: "Dose records rejected because one already exists for the day",
		}),
		ComputationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adherence_computation_duration_seconds",
			Help:    "Adherence computation duration",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		MalformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_malformed_records_total",
			Help: "Event log lines skipped because they could not be decoded",
		}),
		RemindersPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_reminders_published_total",
			Help: "Reminder and summary messages handed to the broker",
		}, []string{"kind"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		SummaryCacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_summary_cache_operations_total",
			Help: "Summary cache lookups by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.DosesRecorded,
		m.DosesUnmarked,
		m.DuplicateDoses,
		m.ComputationDuration,
		m.MalformedRecords,
		m.RemindersPublished,
		m.KafkaMessagesProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.SummaryCacheOperations,
	)

	return m
}

// ObserveComputation records how long an aggregation took. Safe on nil.
func (m *Metrics) ObserveComputation(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.ComputationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// The helpers below let components hold an optional *Metrics.

func (m *Metrics) DoseRecorded() {
	if m != nil {
		m.DosesRecorded.Inc()
	}
}

func (m *Metrics) DoseUnmarked() {
	if m != nil {
		m.DosesUnmarked.Inc()
	}
}

func (m *Metrics) DuplicateDose() {
	if m != nil {
		m.DuplicateDoses.Inc()
	}
}

func (m *Metrics) MalformedRecord() {
	if m != nil {
		m.MalformedRecords.Inc()
	}
}

func (m *Metrics) ReminderPublished(kind string) {
	if m != nil {
		m.RemindersPublished.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MessageProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SummaryCacheOperations.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
