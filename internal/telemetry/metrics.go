// Package telemetry holds the Prometheus collectors and the in-memory query
// statistics of a vectorsync process. Nothing is reported externally; the
// collectors are only exposed on the local metrics endpoint.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "vectorsync"

// Metrics is the set of Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	eventsApplied     *prometheus.CounterVec
	eventsSkipped     *prometheus.CounterVec
	consumerState     *prometheus.GaugeVec
	partitionLag      *prometheus.GaugeVec
	checkpointCommits *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	backfillRows      *prometheus.CounterVec
	backfillState     *prometheus.GaugeVec
	searchLatency     *prometheus.HistogramVec
	searchCache       *prometheus.CounterVec
	indexSize         *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a private registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.eventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "events_applied_total",
		Help:      "Change events that changed index state.",
	}, []string{"index", "partition"})

	m.eventsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "events_skipped_total",
		Help:      "Change events discarded because a newer version was already applied.",
	}, []string{"index", "partition"})

	m.consumerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "consumer_state",
		Help:      "1 for the current state of each partition consumer.",
	}, []string{"index", "partition", "state"})

	m.partitionLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "partition_lag",
		Help:      "Stream head position minus last applied position.",
	}, []string{"index", "partition"})

	m.checkpointCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "checkpoint",
		Name:      "commits_total",
		Help:      "Checkpoint commits by result.",
	}, []string{"index", "result"})

	m.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Transient stream failures that triggered a reconnect.",
	}, []string{"index", "partition"})

	m.backfillRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "backfill",
		Name:      "rows_total",
		Help:      "Rows read by backfill scans.",
	}, []string{"index"})

	m.backfillState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "backfill",
		Name:      "state",
		Help:      "1 for the current backfill state of each index.",
	}, []string{"index", "state"})

	m.searchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "Search latency by result status.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	}, []string{"index", "status"})

	m.searchCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "search",
		Name:      "cache_total",
		Help:      "Search cache lookups by result.",
	}, []string{"index", "result"})

	m.indexSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "index",
		Name:      "records",
		Help:      "Live records per index.",
	}, []string{"index"})

	m.registry.MustRegister(
		m.eventsApplied,
		m.eventsSkipped,
		m.consumerState,
		m.partitionLag,
		m.checkpointCommits,
		m.reconnects,
		m.backfillRows,
		m.backfillState,
		m.searchLatency,
		m.searchCache,
		m.indexSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// EventsApplied records applied and skipped events for a partition.
func (m *Metrics) EventsApplied(index, partition string, applied, skipped int) {
	if m == nil {
		return
	}
	if applied > 0 {
		m.eventsApplied.WithLabelValues(index, partition).Add(float64(applied))
	}
	if skipped > 0 {
		m.eventsSkipped.WithLabelValues(index, partition).Add(float64(skipped))
	}
}

// ConsumerState marks state as current for a partition, clearing the others.
func (m *Metrics) ConsumerState(index, partition, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.consumerState.WithLabelValues(index, partition, s).Set(v)
	}
}

// PartitionLag sets the lag gauge of a partition.
func (m *Metrics) PartitionLag(index, partition string, lag uint64) {
	if m == nil {
		return
	}
	m.partitionLag.WithLabelValues(index, partition).Set(float64(lag))
}

// CheckpointCommit counts one commit attempt.
func (m *Metrics) CheckpointCommit(index string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpointCommits.WithLabelValues(index, result).Inc()
}

// Reconnect counts one transient stream failure.
func (m *Metrics) Reconnect(index, partition string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(index, partition).Inc()
}

// BackfillRows counts scanned rows.
func (m *Metrics) BackfillRows(index string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfillRows.WithLabelValues(index).Add(float64(n))
}

// BackfillState marks state as current for an index.
func (m *Metrics) BackfillState(index, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.backfillState.WithLabelValues(index, s).Set(v)
	}
}

// SearchObserved records one search.
func (m *Metrics) SearchObserved(index, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.searchLatency.WithLabelValues(index, status).Observe(d.Seconds())
}

// SearchCache counts a cache hit or miss.
func (m *Metrics) SearchCache(index string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.searchCache.WithLabelValues(index, result).Inc()
}

// IndexSize sets the live record gauge.
func (m *Metrics) IndexSize(index string, n int) {
	if m == nil {
		return
	}
	m.indexSize.WithLabelValues(index).Set(float64(n))
}

// Forget removes every series of a dropped index.
func (m *Metrics) Forget(index string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"index": index}
	for _, v := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{
		m.eventsApplied, m.eventsSkipped, m.consumerState, m.partitionLag,
		m.checkpointCommits, m.reconnects, m.backfillRows, m.backfillState,
		m.searchLatency, m.searchCache, m.indexSize,
	} {
		v.DeletePartialMatch(labels)
	}
}
