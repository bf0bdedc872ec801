// Package metrics exports store statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "historian"

// Stats holds the store statistics. A nil *Stats records nothing.
type Stats struct {
	queries    *prometheus.CounterVec // By store and outcome (values/count/error)
	values     *prometheus.CounterVec // By store
	updates    *prometheus.CounterVec // By store and result (updated/deleted/ignored/failed)
	errors     *prometheus.CounterVec // By store and error kind
	replicate  *prometheus.CounterVec // By store
	dispatch   *prometheus.CounterVec // By router and target store
	duration   *prometheus.HistogramVec
	lastCommit *prometheus.GaugeVec
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// New creates the statistics and registers them with reg.
func New(reg prometheus.Registerer) (*Stats, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	s := &Stats{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "query_responses_total",
			Help:      "Total number of query responses",
		}, []string{"store", "outcome"}),

		values: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "query_values_total",
			Help:      "Total number of values returned by queries",
		}, []string{"store"}),

		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "updates_total",
			Help:      "Total number of update items by result",
		}, []string{"store", "result"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of per-item errors by kind",
		}, []string{"store", "kind"}),

		replicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "replicated_total",
			Help:      "Total number of values handed to the replicator",
		}, []string{"store"}),

		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatched_items_total",
			Help:      "Total number of items dispatched to owning stores",
		}, []string{"router", "target"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "call_duration_seconds",
			Help:      "Batch call duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"store", "op"}),

		lastCommit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "last_version",
			Help:      "Version of the last committed value",
		}, []string{"store"}),
	}

	for _, c := range []prometheus.Collector{
		s.queries, s.values, s.updates, s.errors, s.replicate, s.dispatch, s.duration, s.lastCommit,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Query records one query response.
func (s *Stats) Query(store, outcome string, values int) {
	if s == nil {
		return
	}
	s.queries.WithLabelValues(store, outcome).Inc()
	if values > 0 {
		s.values.WithLabelValues(store).Add(float64(values))
	}
}

// Update records one update item.
func (s *Stats) Update(store, result string) {
	if s == nil {
		return
	}
	s.updates.WithLabelValues(store, result).Inc()
}

// Error records one per-item error.
func (s *Stats) Error(store, kind string) {
	if s == nil {
		return
	}
	s.errors.WithLabelValues(store, kind).Inc()
}

// Replicated records values handed to the replicator.
func (s *Stats) Replicated(store string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.replicate.WithLabelValues(store).Add(float64(n))
}

// Dispatched records items routed by a proxy or bridge.
func (s *Stats) Dispatched(router, target string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.dispatch.WithLabelValues(router, target).Add(float64(n))
}

// Observe records the duration of a batch call.
func (s *Stats) Observe(store, op string, d time.Duration) {
	if s == nil {
		return
	}
	s.duration.WithLabelValues(store, op).Observe(d.Seconds())
}

// Committed records the version of the last committed value.
func (s *Stats) Committed(store string, version int64) {
	if s == nil {
		return
	}
	s.lastCommit.WithLabelValues(store).Set(float64(version))
}
