package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the IPC engine's Prometheus collectors. All Record methods
// are safe on a nil *Metrics so the engine can run unobserved.
type Metrics struct {
	// Buffer metrics
	MessagesAllocated *prometheus.CounterVec
	MessagesFreed     prometheus.Counter
	MessagesLive      prometheus.Gauge

	// Transfer metrics
	TransferErrors   *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec
	OOLBytes         *prometheus.CounterVec
	CircularMessages prometheus.Counter

	// Destroy metrics
	DestroyDrain prometheus.Histogram

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for quick inspection in tests and logs
type Snapshot struct {
	Allocated      int64
	Freed          int64
	TransferErrors int64
	LongestDrain   int
}

// NewMetrics registers the engine collectors with reg under namespace.
// A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesAllocated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kmsg_allocated_total",
				Help:      "Total number of message buffers allocated",
			},
			[]string{"source"},
		),
		MessagesFreed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kmsg_freed_total",
				Help:      "Total number of message buffers freed",
			},
		),
		MessagesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kmsg_live",
				Help:      "Number of message buffers currently allocated",
			},
		),
		TransferErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kmsg_transfer_errors_total",
				Help:      "Total number of failed copy-in and copy-out steps",
			},
			[]string{"direction", "stage", "code"},
		),
		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kmsg_transfer_duration_seconds",
				Help:      "Copy-in and copy-out duration in seconds",
				Buckets:   []float64{.000001, .00001, .0001, .001, .01, .1},
			},
			[]string{"op", "status"},
		),
		OOLBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kmsg_ool_bytes_total",
				Help:      "Out-of-line bytes transferred",
			},
			[]string{"direction", "strategy"},
		),
		CircularMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kmsg_circular_total",
				Help:      "Messages copied in with the circular bit set",
			},
		),
		DestroyDrain: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kmsg_destroy_drain_messages",
				Help:      "Messages destroyed per deferred-destroy drain",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
	}
}

// RecordAlloc records a buffer allocation from source ("user" or "kernel")
func (m *Metrics) RecordAlloc(source string) {
	if m == nil {
		return
	}
	m.MessagesAllocated.WithLabelValues(source).Inc()
	m.MessagesLive.Inc()

	m.mu.Lock()
	m.snapshot.Allocated++
	m.mu.Unlock()
}

// RecordFree records a buffer release
func (m *Metrics) RecordFree() {
	if m == nil {
		return
	}
	m.MessagesFreed.Inc()
	m.MessagesLive.Dec()

	m.mu.Lock()
	m.snapshot.Freed++
	m.mu.Unlock()
}

// RecordTransferError records a failed step
func (m *Metrics) RecordTransferError(direction, stage, code string) {
	if m == nil {
		return
	}
	m.TransferErrors.WithLabelValues(direction, stage, code).Inc()

	m.mu.Lock()
	m.snapshot.TransferErrors++
	m.mu.Unlock()
}

// RecordTransfer records the duration of a whole copy-in or copy-out
func (m *Metrics) RecordTransfer(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransferDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

// RecordOOL records out-of-line bytes moved with strategy
func (m *Metrics) RecordOOL(direction, strategy string, bytes uint64) {
	if m == nil {
		return
	}
	m.OOLBytes.WithLabelValues(direction, strategy).Add(float64(bytes))
}

// IncCircular counts a message flagged circular
func (m *Metrics) IncCircular() {
	if m == nil {
		return
	}
	m.CircularMessages.Inc()
}

// ObserveDrain records how many messages one destroy drain released
func (m *Metrics) ObserveDrain(n int) {
	if m == nil {
		return
	}
	m.DestroyDrain.Observe(float64(n))

	m.mu.Lock()
	if n > m.snapshot.LongestDrain {
		m.snapshot.LongestDrain = n
	}
	m.mu.Unlock()
}

// Snapshot returns the current tracked values
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
