// Package transport defines the session contract between the bot engine and a
// messaging network, plus the stanza, roster and event types that cross it.
// Adapters live in the memory, natstransport and wsclient subpackages.
package transport

import (
	"context"

	"github.com/ximik/rumpy/peer"
)

// RosterState is the mutual-subscription state of a roster entry
type RosterState string

// Roster states
const (
	StateNone          RosterState = "none"
	StatePending       RosterState = "pending"
	StateBoth          RosterState = "both"
	StateUnsubscribing RosterState = "unsubscribing"
)

// Valid reports whether s is a known state
func (s RosterState) Valid() bool {
	switch s {
	case StateNone, StatePending, StateBoth, StateUnsubscribing:
		return true
	}
	return false
}

// RosterEntry is the transport's view of one peer
type RosterEntry struct {
	Peer  peer.ID     `json:"peer"`
	State RosterState `json:"state"`
}

// Credentials authenticate the bot's session
type Credentials struct {
	Identity peer.ID
	Password string
}

// MessageType classifies inbound messages
type MessageType string

// Message types
const (
	MessageChat   MessageType = "chat"
	MessageNormal MessageType = "normal"
	MessageError  MessageType = "error"
)

// Message is an inbound chat message
type Message struct {
	ID   string
	From peer.ID
	Type MessageType
	Body string
}

// SubscriptionEvent reports a change in a peer's subscription. Type is one of
// PresenceSubscribed, PresenceUnsubscribe or PresenceUnsubscribed.
type SubscriptionEvent struct {
	From peer.ID
	Type PresenceType
}

// Query is a protocol-introspection request such as ping or version
type Query struct {
	ID   string
	From peer.ID
	Kind string
}

// QueryResult answers a Query. Error is set for unsupported kinds.
type QueryResult struct {
	Kind   string            `json:"kind"`
	Values map[string]string `json:"values,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Handlers receive inbound events. A transport invokes them from a single
// control goroutine, one event at a time. Handlers may call roster methods
// but never Send; outbound traffic goes through the engine's output queue.
type Handlers struct {
	OnMessage             func(Message)
	OnSubscriptionRequest func(from peer.ID)
	OnSubscriptionChanged func(SubscriptionEvent)
	OnIntrospection       func(Query) QueryResult
}

// Transport is one persistent session to a messaging network.
//
// Errors are classified with the errors package. Send and roster mutations
// that fail on a broken session return transient errors.
type Transport interface {
	// Connect opens the session.
	Connect(ctx context.Context) error
	// Authenticate binds the session to the bot identity.
	Authenticate(ctx context.Context, creds Credentials) error
	// Send writes one stanza. The engine calls it from a single goroutine.
	Send(ctx context.Context, s Stanza) error
	// Register installs the event handlers and starts delivery.
	Register(h Handlers) error
	// Roster returns a snapshot of all roster entries.
	Roster(ctx context.Context) ([]RosterEntry, error)
	// AcceptSubscription approves a pending subscription request.
	AcceptSubscription(ctx context.Context, id peer.ID) error
	// RemoveEntry deletes a peer from the roster. Removing a missing entry is not an error.
	RemoveEntry(ctx context.Context, id peer.ID) error
	// Close ends the session.
	Close(ctx context.Context) error
}
