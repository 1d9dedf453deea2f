package bot

import (
	"context"
	"sort"
	"sync"

	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/pkg/buffer"
)

// dispatchQueue is the queue of one peer plus its teardown state
type dispatchQueue struct {
	peer     peer.ID
	items    buffer.Queue[workItem]
	draining bool
	removed  chan struct{}
}

// registry owns every dispatch queue. Queues are created and removed only
// through CreateFor and RemoveFor; lookups never create. Once HaltAll has run
// the registry accepts no new queues and no new payloads.
type registry struct {
	mu      sync.Mutex
	queues  map[peer.ID]*dispatchQueue
	changed chan struct{}
	halted  bool
}

func newRegistry() *registry {
	return &registry{
		queues:  make(map[peer.ID]*dispatchQueue),
		changed: make(chan struct{}),
	}
}

// CreateFor registers a new queue for id. It returns false and the existing
// queue when one is already registered, and false with a nil queue after
// HaltAll.
func (r *registry) CreateFor(id peer.ID) (*dispatchQueue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return nil, false
	}
	if q, ok := r.queues[id]; ok {
		return q, false
	}
	items, _ := buffer.NewQueue[workItem]()
	q := &dispatchQueue{peer: id, items: items, removed: make(chan struct{})}
	r.queues[id] = q
	r.notify()
	return q, true
}

// RemoveFor unregisters q. It is a no-op when id maps to another queue.
func (r *registry) RemoveFor(id peer.ID, q *dispatchQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.queues[id]; !ok || cur != q {
		return
	}
	delete(r.queues, id)
	_ = q.items.Close()
	close(q.removed)
	r.notify()
}

// notify wakes every waiter. Must hold mu.
func (r *registry) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Dispatch enqueues a payload for id. It reports false when id has no
// queue, its queue is being torn down or the registry is halted.
func (r *registry) Dispatch(id peer.ID, item workItem) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return false
	}
	q, ok := r.queues[id]
	if !ok || q.draining {
		return false
	}
	return q.items.Push(item) == nil
}

// Unsubscribe enqueues the unsubscribe sentinel for id and marks its queue as
// draining. It reports false when id has no live queue.
func (r *registry) Unsubscribe(id peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok || q.draining {
		return false
	}
	q.draining = true
	return q.items.Push(workItem{kind: itemUnsubscribe}) == nil
}

// HaltAll enqueues the halt sentinel into every queue and refuses any
// later CreateFor or Dispatch
func (r *registry) HaltAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = true
	for _, q := range r.queues {
		_ = q.items.Push(workItem{kind: itemHalt})
	}
	return len(r.queues)
}

// Halted reports whether HaltAll has run
func (r *registry) Halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// Has reports whether id has a live queue
func (r *registry) Has(id peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	return ok && !q.draining
}

// Removed returns a channel closed when the current queue of id is removed,
// or nil when id has no queue.
func (r *registry) Removed(id peer.ID) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[id]; ok {
		return q.removed
	}
	return nil
}

// Len returns the number of registered queues, draining ones included
func (r *registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Peers returns the identities with a registered queue, sorted
func (r *registry) Peers() []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]peer.ID, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WaitEmpty blocks until no queue is registered or ctx is done
func (r *registry) WaitEmpty(ctx context.Context) error {
	for {
		r.mu.Lock()
		n := len(r.queues)
		changed := r.changed
		r.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
