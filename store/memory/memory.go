// Package memory provides an in-process subscriber store with call counting
// and fault injection.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
)

// Op names a store operation for call counting and fault injection
type Op string

// Store operations
const (
	OpFind      Op = "find"
	OpCreate    Op = "create"
	OpDestroy   Op = "destroy"
	OpSave      Op = "save"
	OpForEach   Op = "for_each"
	OpReconnect Op = "reconnect"
)

// Store is a mutex-protected map of subscriber records. Callers receive
// copies, so a record changes only through Save.
type Store struct {
	mu       sync.Mutex
	records  map[peer.ID]*store.Subscriber
	faults   map[Op][]error
	calls    map[Op]int
	releases int
	now      func() time.Time
}

// New returns an empty store
func New() *Store {
	return &Store{
		records: make(map[peer.ID]*store.Subscriber),
		faults:  make(map[Op][]error),
		calls:   make(map[Op]int),
		now:     time.Now,
	}
}

// FailNext makes the next len(errs) calls of op return errs in order
func (s *Store) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// Calls returns how many times op was invoked, failed calls included
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Releases returns how many times ReleasePooledConnection was called
func (s *Store) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// Len returns the number of records
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Has reports whether a record exists for id
func (s *Store) Has(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// Seed inserts records for ids without counting calls
func (s *Store) Seed(ids ...peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.records[id] = store.NewSubscriber(id, s.now())
	}
}

// enter counts a call of op and pops the next injected fault. Must hold mu.
func (s *Store) enter(op Op) error {
	s.calls[op]++
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.faults[op] = queue[1:]
	return err
}

// FindByIdentity returns a copy of the record for id
func (s *Store) FindByIdentity(_ context.Context, id peer.ID) (*store.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFind); err != nil {
		return nil, err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// Create stores a new record, or returns the existing one
func (s *Store) Create(_ context.Context, id peer.ID) (*store.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreate); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, errors.WrapInvalid(errors.ErrInvalidPeer, "MemoryStore", "Create", "check identity")
	}
	if rec, ok := s.records[id]; ok {
		return rec.Clone(), nil
	}
	rec := store.NewSubscriber(id, s.now())
	s.records[id] = rec
	return rec.Clone(), nil
}

// Destroy removes the record for id
func (s *Store) Destroy(_ context.Context, id peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDestroy); err != nil {
		return err
	}
	delete(s.records, id)
	return nil
}

// Save replaces the stored fields of an existing record
func (s *Store) Save(_ context.Context, sub *store.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpSave); err != nil {
		return err
	}
	rec, ok := s.records[sub.Peer]
	if !ok {
		return errors.WrapInvalid(store.ErrNotFound, "MemoryStore", "Save", "find record")
	}
	updated := sub.Clone()
	updated.CreatedAt = rec.CreatedAt
	updated.UpdatedAt = s.now()
	s.records[sub.Peer] = updated
	sub.UpdatedAt = updated.UpdatedAt
	return nil
}

// ForEach visits copies of all records in identity order
func (s *Store) ForEach(ctx context.Context, fn func(*store.Subscriber) error) error {
	s.mu.Lock()
	if err := s.enter(OpForEach); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := make([]*store.Subscriber, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, rec.Clone())
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Peer < snapshot[j].Peer })
	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect counts the call; the in-memory store has no connection to restore
func (s *Store) Reconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter(OpReconnect)
}

// ReleasePooledConnection counts the call
func (s *Store) ReleasePooledConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
}

var _ store.Store = (*Store)(nil)
