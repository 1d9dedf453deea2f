package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ximik/rumpy/metric"
)

// bucketMetrics holds Prometheus metrics for the KV buckets opened through a client.
type bucketMetrics struct {
	values *prometheus.GaugeVec   // Current key count by bucket
	bytes  *prometheus.GaugeVec   // Storage bytes by bucket
	state  *prometheus.GaugeVec   // 1 when the last status poll succeeded
	errors *prometheus.CounterVec // Bucket operation errors

	mu      sync.RWMutex
	buckets map[string]jetstream.KeyValue
}

func newBucketMetrics(registry *metric.MetricsRegistry) (*bucketMetrics, error) {
	m := &bucketMetrics{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rumpy",
			Subsystem: "kv",
			Name:      "bucket_values",
			Help:      "Current number of values in bucket",
		}, []string{"bucket"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rumpy",
			Subsystem: "kv",
			Name:      "bucket_bytes",
			Help:      "Storage bytes used by bucket",
		}, []string{"bucket"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rumpy",
			Subsystem: "kv",
			Name:      "bucket_state",
			Help:      "Bucket state (1=reachable, 0=unreachable)",
		}, []string{"bucket"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rumpy",
			Subsystem: "kv",
			Name:      "operation_errors_total",
			Help:      "Total number of bucket operation errors",
		}, []string{"operation"}),
		buckets: make(map[string]jetstream.KeyValue),
	}

	if err := registry.RegisterGaugeVec("kv", "bucket_values", m.values); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("kv", "bucket_bytes", m.bytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("kv", "bucket_state", m.state); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("kv", "errors", m.errors); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bucketMetrics) trackBucket(name string, bucket jetstream.KeyValue) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[name] = bucket
	m.state.WithLabelValues(name).Set(1)
}

func (m *bucketMetrics) untrackBucket(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, name)
	m.values.DeleteLabelValues(name)
	m.bytes.DeleteLabelValues(name)
	m.state.DeleteLabelValues(name)
}

func (m *bucketMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// updateStats refreshes the gauges of every tracked bucket. Unreachable
// buckets are marked with state 0 and keep their last known sizes.
func (m *bucketMetrics) updateStats(ctx context.Context) {
	if m == nil {
		return
	}

	m.mu.RLock()
	buckets := make(map[string]jetstream.KeyValue, len(m.buckets))
	for k, v := range m.buckets {
		buckets[k] = v
	}
	m.mu.RUnlock()

	for name, bucket := range buckets {
		status, err := bucket.Status(ctx)
		if err != nil {
			m.state.WithLabelValues(name).Set(0)
			continue
		}
		m.values.WithLabelValues(name).Set(float64(status.Values()))
		m.bytes.WithLabelValues(name).Set(float64(status.Bytes()))
		m.state.WithLabelValues(name).Set(1)
	}
}

// startPoller polls bucket stats every interval until the returned cancel is called.
func (m *bucketMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.updateStats(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel
}
