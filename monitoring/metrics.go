package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lnwasm"

// Metrics holds the prometheus collectors shared by the store, the write
// guard, the scheduler and the authorization gate. All methods are safe to
// call on a nil receiver, which disables collection.
type Metrics struct {
	storeOps      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec

	pendingWrites prometheus.Gauge

	taskStates  *prometheus.GaugeVec
	taskRuns    *prometheus.CounterVec
	taskBackoff *prometheus.GaugeVec

	admissions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Durable store operations by result.",
			},
			[]string{"op", "result"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of durable store operations.",
				Buckets: prometheus.ExponentialBuckets(
					0.0005, 2, 12,
				),
			},
			[]string{"op"},
		),
		pendingWrites: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "writeguard",
				Name:      "pending_writes",
				Help:      "Writes accepted but not yet acked.",
			},
		),
		taskStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tasks",
				Help:      "Live tasks by state.",
			},
			[]string{"state"},
		),
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "task_runs_total",
				Help:      "Finished task runs by task and result.",
			},
			[]string{"task", "result"},
		),
		taskBackoff: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "backoff_seconds",
				Help:      "Current retry delay of a recurring task.",
			},
			[]string{"task"},
		),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authgate",
				Name:      "admissions_total",
				Help:      "Remote requests by admission outcome.",
			},
			[]string{"outcome"},
		),
	}

	collectors := []prometheus.Collector{
		m.storeOps, m.storeDuration, m.pendingWrites, m.taskStates,
		m.taskRuns, m.taskBackoff, m.admissions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObserveStoreOp records a finished store operation.
func (m *Metrics) ObserveStoreOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}

	m.storeOps.WithLabelValues(op, resultLabel(err)).Inc()
	m.storeDuration.WithLabelValues(op).Observe(
		time.Since(start).Seconds(),
	)
}

// SetPendingWrites records the current number of pending writes.
func (m *Metrics) SetPendingWrites(n int) {
	if m == nil {
		return
	}

	m.pendingWrites.Set(float64(n))
}

// SetTaskStates replaces the per-state task counts.
func (m *Metrics) SetTaskStates(counts map[string]int) {
	if m == nil {
		return
	}

	m.taskStates.Reset()
	for state, n := range counts {
		m.taskStates.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveTaskRun records the result of one task run.
func (m *Metrics) ObserveTaskRun(task string, err error) {
	if m == nil {
		return
	}

	m.taskRuns.WithLabelValues(task, resultLabel(err)).Inc()
}

// SetTaskBackoff records the retry delay currently applied to task.
func (m *Metrics) SetTaskBackoff(task string, d time.Duration) {
	if m == nil {
		return
	}

	m.taskBackoff.WithLabelValues(task).Set(d.Seconds())
}

// ObserveAdmission records an admission outcome, either "admitted" or a
// rejection reason.
func (m *Metrics) ObserveAdmission(outcome string) {
	if m == nil {
		return
	}

	m.admissions.WithLabelValues(outcome).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
