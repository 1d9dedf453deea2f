// Package health tracks the health of the bot's subsystems.
//
// Three states are reported: healthy, degraded (serving while recovering, for
// example during a store reconnect) and unhealthy. A Monitor holds the latest
// Status per subsystem, polls registered checks and aggregates everything for
// the /health endpoint; the worst sub-status wins:
//
//	monitor := health.NewMonitor()
//	monitor.SetHealthy("engine", "running")
//	monitor.AddCheck("nats", func() health.Status { ... })
//	monitor.Set("store", health.FromError("store", err, errs.IsTransient(err)))
//	status := monitor.Snapshot("rumpy")
//
// Error text passed through FromError is sanitized: URLs, paths, addresses,
// ports and credentials are replaced by placeholders.
package health
