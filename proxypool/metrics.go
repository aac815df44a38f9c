package proxypool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// poolMetrics 每个 Manager 使用独立的 registry，便于测试中并存多个实例。
type poolMetrics struct {
	registry *prometheus.Registry

	proxiesByStatus  *prometheus.GaugeVec
	available        prometheus.Gauge
	assigned         prometheus.Gauge
	feedCandidates   *prometheus.CounterVec
	probes           *prometheus.CounterVec
	probeLatency     prometheus.Histogram
	assignmentEvents *prometheus.CounterVec
	evictions        prometheus.Counter
}

func newPoolMetrics() *poolMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &poolMetrics{
		registry: reg,
		proxiesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxyfleet_pool_proxies",
			Help: "Number of proxies in the pool by status",
		}, []string{"status"}),
		available: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyfleet_pool_available",
			Help: "Number of unassigned, non-excluded proxies",
		}),
		assigned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyfleet_pool_assigned",
			Help: "Number of proxies bound to an account",
		}),
		feedCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyfleet_feed_new_proxies_total",
			Help: "New proxy keys merged into the pool per endpoint",
		}, []string{"endpoint"}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyfleet_health_probes_total",
			Help: "Health probes by result",
		}, []string{"result"}), // result: success, failure
		probeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxyfleet_health_probe_latency_ms",
			Help:    "Latency of successful health probes in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000},
		}),
		assignmentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyfleet_assignment_events_total",
			Help: "Assignment coordinator outcomes",
		}, []string{"event"}), // event: assigned, exhausted, conflict, released, reassigned, reassign_skipped_locked, failed
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxyfleet_janitor_evictions_total",
			Help: "Proxies evicted by the janitor",
		}),
	}
}
