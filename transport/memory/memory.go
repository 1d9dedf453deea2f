// Package memory provides an in-process Transport. Tests and embedders drive
// it by injecting inbound events and inspecting the stanzas the bot sent.
package memory

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/pkg/buffer"
	"github.com/ximik/rumpy/transport"
)

// Transport is an in-process session. Inbound events are queued and delivered
// to the registered handlers from a single goroutine, as a network transport would.
type Transport struct {
	mu            sync.Mutex
	connected     bool
	authenticated bool
	closed        bool
	identity      peer.ID
	password      string
	roster        map[peer.ID]transport.RosterState
	sent          []transport.Stanza
	sentSignal    chan struct{}
	sendFaults    []error
	rosterFaults  []error
	registered    bool

	events buffer.Queue[func(transport.Handlers)]
	done   chan struct{}
}

// New returns a disconnected transport accepting any password, or only
// password when it is non-empty.
func New(password string) *Transport {
	events, _ := buffer.NewQueue[func(transport.Handlers)]()
	return &Transport{
		password:   password,
		roster:     make(map[peer.ID]transport.RosterState),
		sentSignal: make(chan struct{}),
		events:     events,
		done:       make(chan struct{}),
	}
}

// Connect opens the session
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "MemoryTransport", "Connect", "check state")
	}
	t.connected = true
	return nil
}

// Authenticate checks the password and binds the identity
func (t *Transport) Authenticate(_ context.Context, creds transport.Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.WrapTransient(errors.ErrNoConnection, "MemoryTransport", "Authenticate", "check session")
	}
	if t.password != "" && creds.Password != t.password {
		return errors.WrapFatal(errors.ErrAuthenticationFail, "MemoryTransport", "Authenticate", "check password")
	}
	t.identity = creds.Identity
	t.authenticated = true
	return nil
}

// Identity returns the authenticated identity
func (t *Transport) Identity() peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Send records the stanza
func (t *Transport) Send(_ context.Context, s transport.Stanza) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ready("Send"); err != nil {
		return err
	}
	if len(t.sendFaults) > 0 {
		err := t.sendFaults[0]
		t.sendFaults = t.sendFaults[1:]
		return err
	}
	t.sent = append(t.sent, s)
	close(t.sentSignal)
	t.sentSignal = make(chan struct{})
	return nil
}

// ready checks the session is usable. Must hold mu.
func (t *Transport) ready(method string) error {
	if t.closed || !t.connected {
		return errors.WrapTransient(errors.ErrNoConnection, "MemoryTransport", method, "check session")
	}
	if !t.authenticated {
		return errors.WrapInvalid(errors.ErrNotStarted, "MemoryTransport", method, "check authentication")
	}
	return nil
}

// Register installs handlers and starts event delivery
func (t *Transport) Register(h transport.Handlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ready("Register"); err != nil {
		return err
	}
	if t.registered {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MemoryTransport", "Register", "install handlers")
	}
	t.registered = true
	go t.deliver(h)
	return nil
}

func (t *Transport) deliver(h transport.Handlers) {
	defer close(t.done)
	for {
		event, err := t.events.Pop(context.Background())
		if err != nil {
			return
		}
		event(h)
	}
}

// Roster returns entries sorted by identity
func (t *Transport) Roster(_ context.Context) ([]transport.RosterEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ready("Roster"); err != nil {
		return nil, err
	}
	if err := t.popRosterFault(); err != nil {
		return nil, err
	}
	entries := make([]transport.RosterEntry, 0, len(t.roster))
	for id, state := range t.roster {
		entries = append(entries, transport.RosterEntry{Peer: id, State: state})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Peer < entries[j].Peer })
	return entries, nil
}

// AcceptSubscription moves the peer to both
func (t *Transport) AcceptSubscription(_ context.Context, id peer.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ready("AcceptSubscription"); err != nil {
		return err
	}
	if err := t.popRosterFault(); err != nil {
		return err
	}
	t.roster[id] = transport.StateBoth
	return nil
}

// RemoveEntry deletes the peer from the roster
func (t *Transport) RemoveEntry(_ context.Context, id peer.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ready("RemoveEntry"); err != nil {
		return err
	}
	if err := t.popRosterFault(); err != nil {
		return err
	}
	delete(t.roster, id)
	return nil
}

// popRosterFault pops the next injected roster error. Must hold mu.
func (t *Transport) popRosterFault() error {
	if len(t.rosterFaults) == 0 {
		return nil
	}
	err := t.rosterFaults[0]
	t.rosterFaults = t.rosterFaults[1:]
	return err
}

// Close ends the session and stops event delivery after queued events ran
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	registered := t.registered
	t.mu.Unlock()

	_ = t.events.Close()
	if registered {
		<-t.done
	}
	return nil
}

// Closed reports whether Close was called
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SetRoster seeds roster entries
func (t *Transport) SetRoster(entries ...transport.RosterEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		t.roster[e.Peer] = e.State
	}
}

// RosterState returns the state of id, or false when it has no entry
func (t *Transport) RosterState(id peer.ID) (transport.RosterState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.roster[id]
	return state, ok
}

// FailSend makes the next len(errs) Send calls fail with errs in order
func (t *Transport) FailSend(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendFaults = append(t.sendFaults, errs...)
}

// FailRoster makes the next len(errs) roster calls fail with errs in order
func (t *Transport) FailRoster(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rosterFaults = append(t.rosterFaults, errs...)
}

// Sent returns a copy of every stanza sent so far
func (t *Transport) Sent() []transport.Stanza {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Stanza(nil), t.sent...)
}

// WaitFor blocks until match reports true for the stanzas sent so far, and
// returns them.
func (t *Transport) WaitFor(ctx context.Context, match func([]transport.Stanza) bool) ([]transport.Stanza, error) {
	for {
		t.mu.Lock()
		sent := append([]transport.Stanza(nil), t.sent...)
		signal := t.sentSignal
		t.mu.Unlock()

		if match(sent) {
			return sent, nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}

// WaitForSent blocks until at least n stanzas were sent
func (t *Transport) WaitForSent(ctx context.Context, n int) ([]transport.Stanza, error) {
	return t.WaitFor(ctx, func(sent []transport.Stanza) bool { return len(sent) >= n })
}

func (t *Transport) inject(event func(transport.Handlers)) error {
	if err := t.events.Push(event); err != nil {
		if stderrors.Is(err, buffer.ErrQueueClosed) {
			return errors.WrapInvalid(errors.ErrShuttingDown, "MemoryTransport", "inject", "queue event")
		}
		return err
	}
	return nil
}

// InjectMessage delivers a chat message from a peer
func (t *Transport) InjectMessage(from peer.ID, body string) error {
	return t.InjectTyped(from, transport.MessageChat, body)
}

// InjectTyped delivers a message of any type
func (t *Transport) InjectTyped(from peer.ID, typ transport.MessageType, body string) error {
	msg := transport.Message{ID: uuid.NewString(), From: from, Type: typ, Body: body}
	return t.inject(func(h transport.Handlers) {
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	})
}

// InjectSubscriptionRequest delivers a subscribe presence. Like a server, it
// records a pending entry for peers not yet on the roster.
func (t *Transport) InjectSubscriptionRequest(from peer.ID) error {
	t.mu.Lock()
	if _, ok := t.roster[from]; !ok {
		t.roster[from] = transport.StatePending
	}
	t.mu.Unlock()

	return t.inject(func(h transport.Handlers) {
		if h.OnSubscriptionRequest != nil {
			h.OnSubscriptionRequest(from)
		}
	})
}

// InjectSubscriptionChanged delivers a subscribed, unsubscribe or
// unsubscribed presence and updates the roster accordingly.
func (t *Transport) InjectSubscriptionChanged(from peer.ID, typ transport.PresenceType) error {
	t.mu.Lock()
	switch typ {
	case transport.PresenceSubscribed:
		t.roster[from] = transport.StateBoth
	case transport.PresenceUnsubscribe:
		if _, ok := t.roster[from]; ok {
			t.roster[from] = transport.StateUnsubscribing
		}
	case transport.PresenceUnsubscribed:
		if _, ok := t.roster[from]; ok {
			t.roster[from] = transport.StateNone
		}
	}
	t.mu.Unlock()

	event := transport.SubscriptionEvent{From: from, Type: typ}
	return t.inject(func(h transport.Handlers) {
		if h.OnSubscriptionChanged != nil {
			h.OnSubscriptionChanged(event)
		}
	})
}

// Query runs an introspection query through the handlers and waits for the result
func (t *Transport) Query(ctx context.Context, from peer.ID, kind string) (transport.QueryResult, error) {
	result := make(chan transport.QueryResult, 1)
	q := transport.Query{ID: uuid.NewString(), From: from, Kind: kind}
	err := t.inject(func(h transport.Handlers) {
		if h.OnIntrospection == nil {
			result <- transport.QueryResult{Kind: kind, Error: "unsupported"}
			return
		}
		result <- h.OnIntrospection(q)
	})
	if err != nil {
		return transport.QueryResult{}, err
	}
	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return transport.QueryResult{}, ctx.Err()
	}
}

// Sync waits until every event injected before the call has been handled
func (t *Transport) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := t.inject(func(transport.Handlers) { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ transport.Transport = (*Transport)(nil)
