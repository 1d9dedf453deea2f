package bot

import (
	"io"
	"log/slog"
	"time"

	"github.com/ximik/rumpy/health"
	"github.com/ximik/rumpy/metric"
)

// Option is a functional option for configuring a Bot
type Option func(*Bot)

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bot) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records engine metrics on the registry's core metrics and
// exports the output queue depth.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bot) {
		if registry != nil {
			b.registry = registry
			b.metrics = registry.CoreMetrics()
		}
	}
}

// WithLogSink registers a sink flushed and closed as the last shutdown step.
// A sink implementing Sync() error is synced before it is closed.
func WithLogSink(sink io.Closer) Option {
	return func(b *Bot) {
		if sink != nil {
			b.sinks = append(b.sinks, sink)
		}
	}
}

// WithHealthCheck adds a named subsystem check to Health
func WithHealthCheck(name string, check func() health.Status) Option {
	return func(b *Bot) {
		b.monitor.AddCheck(name, check)
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Bot) {
		if now != nil {
			b.now = now
		}
	}
}
