// Package metric exposes the bot's Prometheus metrics and health endpoint.
//
// MetricsRegistry wraps a private prometheus.Registry preloaded with the
// engine metrics (see Metrics) and the Go runtime and process collectors.
// Subsystems that own extra metrics, such as the output queue, register them
// through the MetricsRegistrar interface and remove them with Unregister.
//
// Server serves /metrics in the OpenMetrics format and /health as JSON:
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(":9090", "/metrics", registry, engine.Health)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
package metric
