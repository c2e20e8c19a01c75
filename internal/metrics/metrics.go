package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kadvault"

// Metrics holds all Prometheus metrics for a node. A nil *Metrics is valid
// and records nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Store metrics
	RecordsStored  prometheus.Gauge
	PutsTotal      *prometheus.CounterVec
	EvictionsTotal prometheus.Counter
	QuotedPrice    prometheus.Gauge
	PaymentsTotal  prometheus.Counter
	PutDuration    prometheus.Histogram

	// Quorum metrics
	QuorumOpsTotal *prometheus.CounterVec
	QuorumRounds   prometheus.Histogram
	QuorumDuration *prometheus.HistogramVec

	// Replication metrics
	ReplicationFetchesTotal *prometheus.CounterVec
	ReplicationInFlight     prometheus.Gauge
	ReplicationTasks        prometheus.Gauge
	ReplicationHintsDropped prometheus.Counter

	// Peer metrics
	KnownPeers   prometheus.Gauge
	ShunnedPeers prometheus.Gauge

	// RPC metrics
	RPCDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a fresh registry labelled with nodeID.
func New(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		registry: reg,

		RecordsStored: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "records",
			Help:        "Number of records held on disk",
			ConstLabels: labels,
		}),
		PutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "puts_total",
			Help:        "Record puts by result",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		EvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "evictions_total",
			Help:        "Records evicted to stay within capacity",
			ConstLabels: labels,
		}),
		QuotedPrice: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pricing",
			Name:        "quoted_price",
			Help:        "Last quoted store cost",
			ConstLabels: labels,
		}),
		PaymentsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pricing",
			Name:        "payments_total",
			Help:        "Paid puts accepted",
			ConstLabels: labels,
		}),
		PutDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "put_duration_seconds",
			Help:        "Histogram of local put durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		QuorumOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "quorum",
			Name:        "operations_total",
			Help:        "Quorum operations by type and outcome",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		QuorumRounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "quorum",
			Name:        "rounds",
			Help:        "Fan-out rounds needed per operation",
			ConstLabels: labels,
			Buckets:     []float64{1, 2, 3, 4, 5, 8},
		}),
		QuorumDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "quorum",
			Name:        "duration_seconds",
			Help:        "Histogram of quorum operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),

		ReplicationFetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "fetches_total",
			Help:        "Replication fetch attempts by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ReplicationInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "in_flight",
			Help:        "Fetches currently running",
			ConstLabels: labels,
		}),
		ReplicationTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "tasks",
			Help:        "Tasks in the replication registry",
			ConstLabels: labels,
		}),
		ReplicationHintsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "hints_dropped_total",
			Help:        "Inbound replication hints dropped by the rate limiter",
			ConstLabels: labels,
		}),

		KnownPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "peers",
			Name:        "known",
			Help:        "Peers in the current membership snapshot",
			ConstLabels: labels,
		}),
		ShunnedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "peers",
			Name:        "shunned",
			Help:        "Peers currently shunned by this node",
			ConstLabels: labels,
		}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "duration_seconds",
			Help:        "Histogram of served RPC durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePut(kind, result string, started time.Time) {
	if m == nil {
		return
	}
	m.PutsTotal.WithLabelValues(kind, result).Inc()
	m.PutDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsStored.Set(float64(n))
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

func (m *Metrics) RecordQuote(price uint64) {
	if m == nil {
		return
	}
	m.QuotedPrice.Set(float64(price))
}

func (m *Metrics) RecordPayment() {
	if m == nil {
		return
	}
	m.PaymentsTotal.Inc()
}

func (m *Metrics) ObserveQuorum(op, outcome string, rounds int, started time.Time) {
	if m == nil {
		return
	}
	m.QuorumOpsTotal.WithLabelValues(op, outcome).Inc()
	m.QuorumRounds.Observe(float64(rounds))
	m.QuorumDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordFetch(result string) {
	if m == nil {
		return
	}
	m.ReplicationFetchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReplication(tasks, inFlight int) {
	if m == nil {
		return
	}
	m.ReplicationTasks.Set(float64(tasks))
	m.ReplicationInFlight.Set(float64(inFlight))
}

func (m *Metrics) RecordHintDropped() {
	if m == nil {
		return
	}
	m.ReplicationHintsDropped.Inc()
}

func (m *Metrics) SetPeers(known, shunned int) {
	if m == nil {
		return
	}
	m.KnownPeers.Set(float64(known))
	m.ShunnedPeers.Set(float64(shunned))
}

func (m *Metrics) ObserveRPC(method, code string, started time.Time) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(method, code).Observe(time.Since(started).Seconds())
}
