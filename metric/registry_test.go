package metric

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/errors"
)

func gatherNames(t *testing.T, r *MetricsRegistry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "A test gauge"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist", Help: "A test histogram"})

	require.NoError(t, registry.RegisterCounter("queue", "counter", counter))
	require.NoError(t, registry.RegisterGauge("queue", "gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("queue", "hist", hist))
	counter.Inc()
	gauge.Set(7)
	hist.Observe(0.1)

	names := gatherNames(t, registry)
	assert.Contains(t, names, "test_counter")
	assert.Contains(t, names, "test_gauge")
	assert.Contains(t, names, "test_hist")

	assert.True(t, registry.Unregister("queue", "gauge"))
	assert.False(t, registry.Unregister("queue", "gauge"))
	assert.NotContains(t, gatherNames(t, registry), "test_gauge")
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "dup"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "dup"})

	require.NoError(t, registry.RegisterCounter("a", "dup", first))

	err := registry.RegisterCounter("a", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same prometheus name under another owner conflicts in prometheus itself
	err = registry.RegisterCounter("b", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_VecRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_total", Help: "vec"}, []string{"k"})
	gvec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "gvec", Help: "gvec"}, []string{"k"})

	require.NoError(t, registry.RegisterCounterVec("o", "vec", vec))
	require.NoError(t, registry.RegisterGaugeVec("o", "gvec", gvec))
	vec.WithLabelValues("x").Inc()
	gvec.WithLabelValues("x").Set(1)

	names := gatherNames(t, registry)
	assert.Contains(t, names, "vec_total")
	assert.Contains(t, names, "gvec")
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_%d_total", i),
				Help: "concurrent",
			})
			errs <- registry.RegisterCounter("owner", fmt.Sprintf("c%d", i), c)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetricsRegistry_CoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()
	require.NotNil(t, m)

	m.SetPeersActive(3)
	m.RecordMessageReceived("dispatched")
	m.RecordMessageProcessed("replied")
	m.RecordStanzaSent("chat")
	m.RecordError("dispatch", "invalid")
	m.RecordRetry("transient")
	m.RecordSubscriptionEvent("subscribed")
	m.SetOutputQueueDepth(2)
	m.RecordTransportStatus(true)
	m.RecordTransportReconnect()
	m.RecordStoreReconnect()

	names := gatherNames(t, registry)
	for _, name := range []string{
		"rumpy_dispatch_peers_active",
		"rumpy_messages_received_total",
		"rumpy_messages_processed_total",
		"rumpy_output_stanzas_sent_total",
		"rumpy_errors_total",
		"rumpy_errors_retries_total",
		"rumpy_subscription_events_total",
		"rumpy_output_queue_depth",
		"rumpy_transport_connected",
		"rumpy_transport_reconnect_attempts_total",
		"rumpy_store_reconnects_total",
		"go_goroutines",
	} {
		assert.Contains(t, names, name)
	}

	assert.Equal(t, 3.0, names["rumpy_dispatch_peers_active"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, names["rumpy_transport_connected"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, names["rumpy_store_reconnects_total"].GetMetric()[0].GetCounter().GetValue())
}
