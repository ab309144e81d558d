package metrics

import (
	"testing"
	"time"

	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IntakesScheduled(10)
	m.IntakesScheduled(5)
	m.IntakesDeleted(3)
	m.IntakeStateChanged(intake.StateTaken)
	m.IntakeStateChanged(intake.StateTaken)
	m.IntakeStateChanged(intake.StatePending)
	m.OperationFailed("toggle", intake.KindForbidden)
	m.OperationFailed("schedule", "")

	assert.Equal(t, 15.0, testutil.ToFloat64(m.ScheduledTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DeletedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IntakeTransitions.WithLabelValues("taken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntakeTransitions.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationFailures.WithLabelValues("toggle", "forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationFailures.WithLabelValues("schedule", "unknown")))
}

func TestBreakerAndOutboxGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.BreakerStateChanged("kafka", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("kafka")))
	m.BreakerStateChanged("kafka", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("kafka")))
	m.BreakerStateChanged("kafka", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("kafka")))

	m.SetOutboxBacklog(7, 2)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxFailed))

	m.SetConsumerLag("intake-scheduler", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.ConsumerLag.WithLabelValues("intake-scheduler")))
}

func TestImportAndHTTP(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RowProcessed("ok")
	m.RowProcessed("ok")
	m.RowProcessed("error")
	m.BatchCompleted(200 * time.Millisecond)
	m.ObserveRequest("GET", "/api/v1/intakes/daily", 200, 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImportRows.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportRows.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ImportBatchDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestDuration))
}
