// Package buffer provides the unbounded FIFO queue behind the bot's dispatch
// and output queues.
//
// A Queue has many producers and exactly one consumer. Push appends under a
// mutex and never blocks, so a slow consumer only grows memory and can never
// stall a producer. Pop blocks on a single-slot wakeup channel until an item
// arrives, the context is done, or the queue is closed and drained.
//
// Statistics are always collected. Prometheus metrics are optional:
//
//	q, err := buffer.NewQueue[Stanza](buffer.WithMetrics[Stanza](registry, "output"))
//	if err != nil {
//	    return err
//	}
//	_ = q.Push(s)
//	item, err := q.Pop(ctx)
//
// Metrics registered for a queue are unregistered by Close, so queues with
// the same name can be created again later.
package buffer
