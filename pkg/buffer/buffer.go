package buffer

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/ximik/rumpy/errors"
)

// Queue is an unbounded FIFO with many producers and one consumer.
// Push never blocks; Pop blocks until an item is available.
type Queue[T any] interface {
	// Push appends an item. It fails only after Close.
	Push(item T) error

	// Pop removes and returns the oldest item, blocking until one is
	// available, ctx is done, or the queue is closed and empty.
	Pop(ctx context.Context) (T, error)

	// TryPop removes the oldest item without blocking.
	TryPop() (T, bool)

	// Len returns the number of queued items.
	Len() int

	// Stats returns queue statistics (always collected).
	Stats() *Statistics

	// Close rejects further pushes. Items already queued can still be popped.
	Close() error
}

// ErrQueueClosed is returned by Push after Close and by Pop once a closed
// queue has been drained.
var ErrQueueClosed = stderrors.New("queue closed")

// NewQueue creates an unbounded queue.
// Returns an error if metrics registration fails when metrics are requested.
func NewQueue[T any](options ...Option[T]) (Queue[T], error) {
	opts := applyOptions(options...)

	var metrics *queueMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newQueueMetrics(opts.metricsReg, opts.metricsName)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Queue", "NewQueue", "metrics registration")
		}
	}

	return &queue[T]{
		items:   make([]T, 0, opts.initialCapacity),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
		stats:   NewStatistics(),
		metrics: metrics,
	}, nil
}

type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	notify   chan struct{} // one pending wakeup for the consumer
	closed   chan struct{}
	isClosed bool
	stats    *Statistics
	metrics  *queueMetrics
}

func (q *queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.isClosed {
		q.mu.Unlock()
		return errors.WrapInvalid(ErrQueueClosed, "Queue", "Push", "queue closed")
	}
	q.items = append(q.items, item)
	size := len(q.items) - q.head
	q.mu.Unlock()

	q.stats.Push()
	q.stats.UpdateSize(int64(size))
	if q.metrics != nil {
		q.metrics.recordPush(size)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}

		q.mu.Lock()
		closed := q.isClosed && q.head == len(q.items)
		q.mu.Unlock()
		if closed {
			var zero T
			return zero, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.notify:
		case <-q.closed:
		}
	}
}

func (q *queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	if q.head == len(q.items) {
		q.mu.Unlock()
		var zero T
		return zero, false
	}

	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compact()
	size := len(q.items) - q.head
	q.mu.Unlock()

	q.stats.Pop()
	q.stats.UpdateSize(int64(size))
	if q.metrics != nil {
		q.metrics.recordPop(size)
	}
	return item, true
}

// compact reclaims the consumed prefix once it dominates the backing array.
// Caller holds q.mu.
func (q *queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		var zero T
		for i := n; i < len(q.items); i++ {
			q.items[i] = zero
		}
		q.items = q.items[:n]
		q.head = 0
	}
}

func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *queue[T]) Stats() *Statistics {
	return q.stats
}

func (q *queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return nil
	}
	q.isClosed = true
	close(q.closed)
	if q.metrics != nil {
		q.metrics.unregister()
	}
	return nil
}
