// Package metrics provides Prometheus metrics for the intake services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	ScheduledTotal        prometheus.Counter
	DeletedTotal          prometheus.Counter
	IntakeTransitions     *prometheus.CounterVec
	OperationFailures     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	ImportRows            *prometheus.CounterVec
	ImportBatchDuration   prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	OutboxFailed          prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	ConsumerLag           *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg, or with the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intakes_scheduled_total",
			Help: "Total intakes created by scheduling",
		}),
		DeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intakes_deleted_total",
			Help: "Total pending intakes removed by recalculation",
		}),
		IntakeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_transitions_total",
			Help: "Intake state transitions by resulting state",
		}, []string{"state"}),
		OperationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_operation_failures_total",
			Help: "Failed intake operations by operation and error kind",
		}, []string{"operation", "kind"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		ImportRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_rows_total",
			Help: "Dispense rows processed by the importer by result",
		}, []string{"result"}),
		ImportBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "import_batch_duration_seconds",
			Help:    "Import batch processing duration",
			Buckets: prometheus.DefBuckets,
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Kafka messages consumed by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Total lag of a consumer group across its partitions",
		}, []string{"group"}),
	}

	reg.MustRegister(
		m.ScheduledTotal,
		m.DeletedTotal,
		m.IntakeTransitions,
		m.OperationFailures,
		m.HTTPRequestDuration,
		m.ImportRows,
		m.ImportBatchDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxFailed,
		m.CircuitBreakerState,
		m.ConsumerLag,
	)

	return m
}

var _ intake.Recorder = (*Metrics)(nil)

func (m *Metrics) IntakesScheduled(n int) { m.ScheduledTotal.Add(float64(n)) }

func (m *Metrics) IntakesDeleted(n int64) { m.DeletedTotal.Add(float64(n)) }

func (m *Metrics) IntakeStateChanged(state intake.State) {
	m.IntakeTransitions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) OperationFailed(op string, kind intake.Kind) {
	if kind == "" {
		kind = "unknown"
	}
	m.OperationFailures.WithLabelValues(op, string(kind)).Inc()
}

// SetOutboxBacklog records the relay's pending and failed counts.
func (m *Metrics) SetOutboxBacklog(pending, failed int64) {
	m.OutboxPending.Set(float64(pending))
	m.OutboxFailed.Set(float64(failed))
}

// BreakerStateChanged matches gobreaker's OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) SetConsumerLag(group string, lag int64) {
	m.ConsumerLag.WithLabelValues(group).Set(float64(lag))
}

// ObserveRequest records one HTTP request against its route pattern.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// RowProcessed counts an imported row by result.
func (m *Metrics) RowProcessed(result string) { m.ImportRows.WithLabelValues(result).Inc() }

func (m *Metrics) BatchCompleted(d time.Duration) { m.ImportBatchDuration.Observe(d.Seconds()) }

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
