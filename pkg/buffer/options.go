package buffer

import (
	"github.com/ximik/rumpy/metric"
)

// Option configures queue behavior using the functional options pattern.
type Option[T any] func(*queueOptions[T])

// queueOptions holds internal configuration for queue instances.
// Stats are ALWAYS collected; metrics are optional.
type queueOptions[T any] struct {
	initialCapacity int

	// metricsReg is optional - if provided, queue stats are also exposed as Prometheus metrics
	metricsReg  *metric.MetricsRegistry
	metricsName string
}

// WithInitialCapacity preallocates room for n items. The queue still grows without bound.
func WithInitialCapacity[T any](n int) Option[T] {
	return func(opts *queueOptions[T]) {
		if n > 0 {
			opts.initialCapacity = n
		}
	}
}

// WithMetrics enables Prometheus metrics export for queue statistics under
// the given queue name. A nil registry or empty name is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(opts *queueOptions[T]) {
		if registry != nil && name != "" {
			opts.metricsReg = registry
			opts.metricsName = name
		}
	}
}

func applyOptions[T any](options ...Option[T]) *queueOptions[T] {
	opts := &queueOptions[T]{
		initialCapacity: 16,
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
