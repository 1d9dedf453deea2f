package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ximik/rumpy/metric"
)

// queueMetrics holds Prometheus metrics for one named queue.
type queueMetrics struct {
	registry *metric.MetricsRegistry
	owner    string

	pushes prometheus.Counter
	pops   prometheus.Counter
	depth  prometheus.Gauge
}

func newQueueMetrics(registry *metric.MetricsRegistry, name string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	m := &queueMetrics{
		registry: registry,
		owner:    "queue." + name,
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rumpy",
			Subsystem:   "queue",
			Name:        "pushes_total",
			ConstLabels: labels,
			Help:        "Total number of items pushed",
		}),
		pops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rumpy",
			Subsystem:   "queue",
			Name:        "pops_total",
			ConstLabels: labels,
			Help:        "Total number of items popped",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rumpy",
			Subsystem:   "queue",
			Name:        "depth",
			ConstLabels: labels,
			Help:        "Current number of queued items",
		}),
	}

	if err := registry.RegisterCounter(m.owner, "pushes", m.pushes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(m.owner, "pops", m.pops); err != nil {
		registry.Unregister(m.owner, "pushes")
		return nil, err
	}
	if err := registry.RegisterGauge(m.owner, "depth", m.depth); err != nil {
		registry.Unregister(m.owner, "pushes")
		registry.Unregister(m.owner, "pops")
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) recordPush(size int) {
	m.pushes.Inc()
	m.depth.Set(float64(size))
}

func (m *queueMetrics) recordPop(size int) {
	m.pops.Inc()
	m.depth.Set(float64(size))
}

func (m *queueMetrics) unregister() {
	m.registry.Unregister(m.owner, "pushes")
	m.registry.Unregister(m.owner, "pops")
	m.registry.Unregister(m.owner, "depth")
}
