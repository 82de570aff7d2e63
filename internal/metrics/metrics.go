package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/harness"
	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
)

const namespace = "flobuf"

// Metrics records buffer, storage and harness activity. It implements
// buffer.Observer, the Pebble store's MetricsHook and harness.Observer.
type Metrics struct {
	produced       *prometheus.CounterVec
	producedBytes  *prometheus.CounterVec
	produceLatency prometheus.Histogram
	consumed       *prometheus.CounterVec
	acks           *prometheus.CounterVec
	gcEvents       *prometheus.CounterVec
	gcAttachments  *prometheus.CounterVec
	anomalies      *prometheus.CounterVec

	storeWrite  prometheus.Histogram
	storeRead   prometheus.Histogram
	storeCommit prometheus.Histogram
	storeBytes  *prometheus.CounterVec

	pluginState       *prometheus.GaugeVec
	pluginTransitions *prometheus.CounterVec

	mu     sync.Mutex
	states map[string]pluginKey
}

type pluginKey struct {
	kind  harness.Kind
	state harness.State
}

var (
	_ buffer.Observer         = (*Metrics)(nil)
	_ pebblestore.MetricsHook = (*Metrics)(nil)
	_ harness.Observer        = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "produced_events_total",
			Help: "Events committed by Produce, by priority level.",
		}, []string{"level"}),
		producedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "produced_bytes_total",
			Help: "Encoded bytes committed by Produce, by priority level.",
		}, []string{"level"}),
		produceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "produce_seconds",
			Help:    "Produce latency including fsync.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "consumed_events_total",
			Help: "Events handed out by Consume, by consumer.",
		}, []string{"consumer"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "acks_total",
			Help: "Ack calls, by consumer and whether a cursor moved.",
		}, []string{"consumer", "moved"}),
		gcEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "gc_events_total",
			Help: "Events removed by garbage collection, by level.",
		}, []string{"level"}),
		gcAttachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "gc_attachments_total",
			Help: "Attachment copies removed by garbage collection, by level.",
		}, []string{"level"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "anomalies_total",
			Help: "Recovery anomalies (torn tails, rolled back batches, reset cursors), by kind.",
		}, []string{"kind"}),
		storeWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "write_seconds",
			Help: "Single-key write latency.", Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		storeRead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "read_seconds",
			Help: "Point read latency.", Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		storeCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "batch_commit_seconds",
			Help: "Batch commit latency.", Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		storeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "bytes_total",
			Help: "Bytes moved through the store, by operation.",
		}, []string{"op"}),
		pluginState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "plugin", Name: "state",
			Help: "1 for the current state of each plugin.",
		}, []string{"plugin", "kind", "state"}),
		pluginTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plugin", Name: "transitions_total",
			Help: "Plugin state changes, by plugin and new state.",
		}, []string{"plugin", "state"}),
		states: map[string]pluginKey{},
	}
	reg.MustRegister(
		m.produced, m.producedBytes, m.produceLatency, m.consumed, m.acks,
		m.gcEvents, m.gcAttachments, m.anomalies,
		m.storeWrite, m.storeRead, m.storeCommit, m.storeBytes,
		m.pluginState, m.pluginTransitions,
	)
	return m
}

func (m *Metrics) ObserveProduce(level, events, bytes int, elapsed time.Duration) {
	l := strconv.Itoa(level)
	m.produced.WithLabelValues(l).Add(float64(events))
	m.producedBytes.WithLabelValues(l).Add(float64(bytes))
	m.produceLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveConsume(consumer string, events int) {
	m.consumed.WithLabelValues(consumer).Add(float64(events))
}

func (m *Metrics) ObserveAck(consumer string, moved bool) {
	m.acks.WithLabelValues(consumer, strconv.FormatBool(moved)).Inc()
}

func (m *Metrics) ObserveGC(level, events, attachments int) {
	l := strconv.Itoa(level)
	m.gcEvents.WithLabelValues(l).Add(float64(events))
	m.gcAttachments.WithLabelValues(l).Add(float64(attachments))
}

func (m *Metrics) ObserveAnomaly(kind errs.Kind) {
	m.anomalies.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.storeWrite.Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("write").Add(float64(bytes))
}

func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storeRead.Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("read").Add(float64(bytes))
}

func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	m.storeCommit.Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("commit").Add(float64(bytes))
}

// PluginState moves the plugin's state gauge to s.
func (m *Metrics) PluginState(name string, kind harness.Kind, s harness.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.states[name]; ok {
		m.pluginState.WithLabelValues(name, string(prev.kind), string(prev.state)).Set(0)
	}
	m.states[name] = pluginKey{kind: kind, state: s}
	m.pluginState.WithLabelValues(name, string(kind), string(s)).Set(1)
	m.pluginTransitions.WithLabelValues(name, string(s)).Inc()
}
