// Package metrics gives the host runtime's TaskMetrics collaborator
// (spec §6) a concrete, scrapable implementation backed by
// github.com/prometheus/client_golang, the same library the teacher
// links for its own instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katzenpost/taskbridge/core/task"
)

// TaskMetrics keeps the spill counters in a task.Metrics (see Inner) and
// additionally exposes them as Prometheus instruments so a host runtime
// can register them on its own registry. It satisfies
// reader.SpillMetrics.
type TaskMetrics struct {
	inner *task.Metrics

	memorySpilled prometheus.Counter
	diskSpilled   prometheus.Counter
	workersLive   prometheus.Gauge
	batchesSent   prometheus.Counter
}

// NewTaskMetrics constructs a TaskMetrics with fresh, unregistered
// instruments labeled by task. Callers register the returned metrics
// with a prometheus.Registerer of their choosing (spec §6 leaves the
// metrics record's sink to the host runtime).
func NewTaskMetrics(taskLabel string) *TaskMetrics {
	labels := prometheus.Labels{"task": taskLabel}
	return &TaskMetrics{
		inner: &task.Metrics{},
		memorySpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "taskbridge_memory_bytes_spilled_total",
			Help:        "Cumulative memory bytes spilled, from worker TIMING_DATA frames.",
			ConstLabels: labels,
		}),
		diskSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "taskbridge_disk_bytes_spilled_total",
			Help:        "Cumulative disk bytes spilled, from worker TIMING_DATA frames.",
			ConstLabels: labels,
		}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "taskbridge_workers_live",
			Help:        "Worker subprocesses currently connected for this task.",
			ConstLabels: labels,
		}),
		batchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "taskbridge_accumulator_batches_total",
			Help:        "Accumulator batches forwarded to the aggregator.",
			ConstLabels: labels,
		}),
	}
}

// Collectors returns every instrument, for bulk registration.
func (m *TaskMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.memorySpilled, m.diskSpilled, m.workersLive, m.batchesSent}
}

// Inner returns the plain task.Metrics struct this wrapper delegates
// counter storage to. Adding to it directly does not update the
// Prometheus counters; only TaskMetrics' own Add methods do both.
func (m *TaskMetrics) Inner() *task.Metrics { return m.inner }

// AddMemoryBytesSpilled records n more spilled memory bytes, spec §3's
// TIMING_DATA field five minus one (memory-bytes-spilled).
func (m *TaskMetrics) AddMemoryBytesSpilled(n int64) {
	m.inner.AddMemoryBytesSpilled(n)
	if n > 0 {
		m.memorySpilled.Add(float64(n))
	}
}

// AddDiskBytesSpilled records n more spilled disk bytes.
func (m *TaskMetrics) AddDiskBytesSpilled(n int64) {
	m.inner.AddDiskBytesSpilled(n)
	if n > 0 {
		m.diskSpilled.Add(float64(n))
	}
}

// SetWorkersLive sets the live-worker gauge.
func (m *TaskMetrics) SetWorkersLive(n int) {
	m.workersLive.Set(float64(n))
}

// IncBatchesSent increments the accumulator-batches counter.
func (m *TaskMetrics) IncBatchesSent() {
	m.batchesSent.Inc()
}
