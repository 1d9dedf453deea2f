// Package store defines the subscriber record and the persistence contract
// the bot engine consumes. Adapters live in the memory and kvstore subpackages.
package store

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
)

// ErrNotFound is returned by FindByIdentity when no record exists
var ErrNotFound = fmt.Errorf("subscriber %w", errors.ErrKeyNotFound)

// Subscriber is the persisted record of a peer that completed the
// subscription handshake. Fields holds application data a responder may change.
type Subscriber struct {
	Peer      peer.ID           `json:"peer"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewSubscriber returns a fresh record for id stamped with now
func NewSubscriber(id peer.ID, now time.Time) *Subscriber {
	return &Subscriber{
		Peer:      id,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    map[string]string{},
	}
}

// Get returns a field value, or "" when unset
func (s *Subscriber) Get(field string) string {
	return s.Fields[field]
}

// Set assigns a field value. Call Store.Save to persist it.
func (s *Subscriber) Set(field, value string) {
	if s.Fields == nil {
		s.Fields = map[string]string{}
	}
	s.Fields[field] = value
}

// Clone returns a deep copy
func (s *Subscriber) Clone() *Subscriber {
	c := *s
	c.Fields = maps.Clone(s.Fields)
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	return &c
}

// Store persists subscriber records keyed by peer identity.
//
// Implementations classify their failures with the errors package: a broken
// or stale connection is transient and recovered by Reconnect followed by a
// retry of the same call; a saturated resource is exhausted.
type Store interface {
	// FindByIdentity returns the record for id, or ErrNotFound.
	FindByIdentity(ctx context.Context, id peer.ID) (*Subscriber, error)
	// Create stores a new record for id. If one already exists it is returned unchanged.
	Create(ctx context.Context, id peer.ID) (*Subscriber, error)
	// Destroy removes the record for id. Removing a missing record is not an error.
	Destroy(ctx context.Context, id peer.ID) error
	// Save persists the record's fields and bumps UpdatedAt.
	Save(ctx context.Context, s *Subscriber) error
	// ForEach calls fn for every record. Iteration stops at the first error fn returns.
	ForEach(ctx context.Context, fn func(*Subscriber) error) error
	// Reconnect re-establishes the store's connection after a transient error.
	Reconnect(ctx context.Context) error
	// ReleasePooledConnection returns any connection the calling goroutine holds to its pool.
	ReleasePooledConnection()
}
