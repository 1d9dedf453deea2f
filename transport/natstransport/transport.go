// Package natstransport implements transport.Transport over NATS core
// subjects, with the roster kept in a JetStream KV bucket.
//
// Inbound traffic for a bot arrives on three subjects derived from its
// identity token:
//
//	<prefix>.bot.<token>.message   chat messages
//	<prefix>.bot.<token>.presence  presence and subscription events
//	<prefix>.bot.<token>.query     request/reply introspection
//
// Outbound stanzas are published to <prefix>.peer.<token> of the recipient.
// Payloads are transport.Envelope JSON documents.
package natstransport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/natsclient"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/pkg/buffer"
	"github.com/ximik/rumpy/transport"
)

// Config configures the subject layout and the roster bucket
type Config struct {
	// Prefix of every subject, DefaultPrefix when empty.
	Prefix string
	// Bucket holding the roster. Defaults to RosterBucket(Prefix, identity local part).
	Bucket   string
	Replicas int
	// Timeout bounds each roster operation.
	Timeout time.Duration
}

// Transport is a NATS session for one bot identity
type Transport struct {
	client *natsclient.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	identity peer.ID
	roster   *roster
	subs     []*nats.Subscription
	inbox    buffer.Queue[*nats.Msg]
	done     chan struct{}
	closed   bool
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New returns a transport over client. The transport owns the client and
// closes it in Close.
func New(client *natsclient.Client, cfg Config, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "NATSTransport", "New", "check client")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if strings.ContainsAny(cfg.Prefix, " \t*>") {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "NATSTransport", "New", "check subject prefix")
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	t := &Transport{
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "nats-transport")
	return t, nil
}

// Connect dials the NATS server unless the client is already connected
func (t *Transport) Connect(ctx context.Context) error {
	if t.isClosed() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "NATSTransport", "Connect", "check state")
	}
	if t.client.IsHealthy() {
		return nil
	}
	if err := t.client.Connect(ctx); err != nil {
		return errors.Wrap(err, "NATSTransport", "Connect", "connect to NATS")
	}
	return nil
}

// Authenticate binds the session to creds.Identity and opens the roster
// bucket. Server-side authentication already happened in Connect with the
// client's credentials.
func (t *Transport) Authenticate(ctx context.Context, creds transport.Credentials) error {
	if creds.Identity.IsZero() {
		return errors.WrapFatal(errors.ErrInvalidPeer, "NATSTransport", "Authenticate", "check identity")
	}
	if !t.client.IsHealthy() {
		return errors.WrapTransient(natsclient.ErrNotConnected, "NATSTransport", "Authenticate", "check connection")
	}

	bucketName := t.cfg.Bucket
	if bucketName == "" {
		bucketName = RosterBucket(t.cfg.Prefix, creds.Identity.Local())
	}
	bucket, err := t.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "rumpy roster of " + creds.Identity.String(),
		History:     1,
		Replicas:    t.cfg.Replicas,
	})
	if err != nil {
		if stderrors.Is(err, jetstream.ErrJetStreamNotEnabled) {
			return errors.WrapFatal(err, "NATSTransport", "Authenticate", "open roster bucket")
		}
		return errors.Wrap(err, "NATSTransport", "Authenticate", "open roster bucket")
	}
	kv := t.client.NewKVStore(bucket, func(o *natsclient.KVOptions) {
		if t.cfg.Timeout > 0 {
			o.Timeout = t.cfg.Timeout
		}
	})

	t.mu.Lock()
	t.identity = creds.Identity
	t.roster = &roster{kv: kv, now: t.now, logger: t.logger}
	t.mu.Unlock()

	t.logger.Info("Authenticated", "identity", creds.Identity, "bucket", bucketName)
	return nil
}

func (t *Transport) session(method string) (peer.ID, *roster, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", nil, errors.WrapInvalid(errors.ErrShuttingDown, "NATSTransport", method, "check state")
	}
	if t.roster == nil {
		return "", nil, errors.WrapInvalid(errors.ErrNotStarted, "NATSTransport", method, "check authentication")
	}
	return t.identity, t.roster, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Send publishes one stanza. A presence without a recipient is fanned out to
// every roster entry in state both; see fanOut for its failure policy.
func (t *Transport) Send(ctx context.Context, s transport.Stanza) error {
	self, r, err := t.session("Send")
	if err != nil {
		return err
	}
	if s.IsEmpty() {
		return errors.WrapInvalid(errors.ErrInvalidData, "NATSTransport", "Send", "check stanza")
	}

	publish := func(to peer.ID) error {
		s.To = to
		data, err := json.Marshal(transport.EnvelopeFor(self, s, t.now()))
		if err != nil {
			return errors.WrapInvalid(err, "NATSTransport", "Send", "marshal envelope")
		}
		if err := t.client.Publish(ctx, PeerSubject(t.cfg.Prefix, to), data); err != nil {
			return errors.Wrap(err, "NATSTransport", "Send", "publish stanza")
		}
		return nil
	}
	if !s.To.IsZero() {
		return publish(s.To)
	}

	entries, err := r.list(ctx)
	if err != nil {
		return errors.Wrap(err, "NATSTransport", "Send", "list broadcast recipients")
	}
	var recipients []peer.ID
	for _, e := range entries {
		if e.State == transport.StateBoth {
			recipients = append(recipients, e.Peer)
		}
	}
	return t.fanOut(recipients, publish)
}

// fanOut publishes to every recipient. It fails only when no recipient got
// the stanza, so a retried broadcast never repeats a delivery; recipients
// that failed alongside successful ones are logged and skipped.
func (t *Transport) fanOut(recipients []peer.ID, publish func(peer.ID) error) error {
	var failed []error
	for _, to := range recipients {
		if err := publish(to); err != nil {
			t.logger.Warn("Broadcast to peer failed", "peer", to, "error", err)
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 || len(failed) < len(recipients) {
		return nil
	}
	return errors.Wrap(failed[0], "NATSTransport", "fanOut", "publish broadcast")
}

// Register subscribes the inbound subjects. Messages from all three are
// funneled through one queue so handlers run on a single goroutine.
func (t *Transport) Register(h transport.Handlers) error {
	self, _, err := t.session("Register")
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.inbox != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "NATSTransport", "Register", "install handlers")
	}
	inbox, err := buffer.NewQueue[*nats.Msg]()
	if err != nil {
		t.mu.Unlock()
		return errors.Wrap(err, "NATSTransport", "Register", "create inbox")
	}
	t.inbox = inbox
	t.done = make(chan struct{})
	t.mu.Unlock()

	enqueue := func(msg *nats.Msg) {
		if err := inbox.Push(msg); err != nil {
			t.logger.Debug("Dropping inbound message after close", "subject", msg.Subject)
		}
	}

	subjects := []string{
		MessageSubject(t.cfg.Prefix, self),
		PresenceSubject(t.cfg.Prefix, self),
		QuerySubject(t.cfg.Prefix, self),
	}
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := t.client.Subscribe(subject, enqueue)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			_ = inbox.Close()
			return errors.Wrap(err, "NATSTransport", "Register", "subscribe "+subject)
		}
		subs = append(subs, sub)
		t.logger.Debug("Subscribed", "subject", subject)
	}

	t.mu.Lock()
	t.subs = subs
	t.mu.Unlock()

	go t.control(h, inbox, t.done)
	return nil
}

// control runs every handler call, one message at a time
func (t *Transport) control(h transport.Handlers, inbox buffer.Queue[*nats.Msg], done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		msg, err := inbox.Pop(ctx)
		if err != nil {
			return
		}
		switch {
		case strings.HasSuffix(msg.Subject, ".message"):
			t.handleMessage(msg, h)
		case strings.HasSuffix(msg.Subject, ".presence"):
			t.handlePresence(ctx, msg, h)
		case strings.HasSuffix(msg.Subject, ".query"):
			t.handleQuery(msg, h)
		}
	}
}

func (t *Transport) handleMessage(msg *nats.Msg, h transport.Handlers) {
	env, from, err := transport.DecodeEnvelope(msg.Data)
	if err != nil {
		t.logger.Warn("Dropping malformed message", "error", err)
		return
	}
	if h.OnMessage != nil {
		h.OnMessage(env.Message(from))
	}
}

func (t *Transport) handlePresence(ctx context.Context, msg *nats.Msg, h transport.Handlers) {
	env, from, err := transport.DecodeEnvelope(msg.Data)
	if err != nil {
		t.logger.Warn("Dropping malformed presence", "error", err)
		return
	}

	_, r, err := t.session("handlePresence")
	if err != nil {
		return
	}

	switch env.Presence {
	case transport.PresenceSubscribe:
		err = r.transition(ctx, from, func(_ transport.RosterState, ok bool) (transport.RosterState, bool) {
			return transport.StatePending, !ok
		})
		if err != nil && !stderrors.Is(err, errSkip) {
			t.logger.Error("Failed to record subscription request", "peer", from, "error", err)
		}
		if h.OnSubscriptionRequest != nil {
			h.OnSubscriptionRequest(from)
		}

	case transport.PresenceSubscribed, transport.PresenceUnsubscribe, transport.PresenceUnsubscribed:
		target := map[transport.PresenceType]transport.RosterState{
			transport.PresenceSubscribed:   transport.StateBoth,
			transport.PresenceUnsubscribe:  transport.StateUnsubscribing,
			transport.PresenceUnsubscribed: transport.StateNone,
		}[env.Presence]
		err = r.transition(ctx, from, func(_ transport.RosterState, ok bool) (transport.RosterState, bool) {
			return target, ok || target == transport.StateBoth
		})
		if err != nil && !stderrors.Is(err, errSkip) {
			t.logger.Error("Failed to update roster", "peer", from, "presence", env.Presence, "error", err)
		}
		if h.OnSubscriptionChanged != nil {
			h.OnSubscriptionChanged(transport.SubscriptionEvent{From: from, Type: env.Presence})
		}

	default:
		t.logger.Debug("Ignoring presence", "peer", from, "presence", env.Presence)
	}
}

func (t *Transport) handleQuery(msg *nats.Msg, h transport.Handlers) {
	env, from, err := transport.DecodeEnvelope(msg.Data)
	result := transport.QueryResult{Kind: env.Kind}
	switch {
	case err != nil:
		result.Error = "malformed query"
	case h.OnIntrospection == nil:
		result.Error = "unsupported"
	default:
		result = h.OnIntrospection(transport.Query{ID: env.ID, From: from, Kind: env.Kind})
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.logger.Error("Failed to marshal query result", "error", err)
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		t.logger.Error("Failed to send query result", "error", err)
	}
}

// Roster lists every entry in the roster bucket
func (t *Transport) Roster(ctx context.Context) ([]transport.RosterEntry, error) {
	_, r, err := t.session("Roster")
	if err != nil {
		return nil, err
	}
	entries, err := r.list(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "NATSTransport", "Roster", "list roster")
	}
	return entries, nil
}

// AcceptSubscription marks the peer as mutually subscribed
func (t *Transport) AcceptSubscription(ctx context.Context, id peer.ID) error {
	_, r, err := t.session("AcceptSubscription")
	if err != nil {
		return err
	}
	err = r.transition(ctx, id, func(transport.RosterState, bool) (transport.RosterState, bool) {
		return transport.StateBoth, true
	})
	if err != nil {
		return errors.Wrap(err, "NATSTransport", "AcceptSubscription", "update roster")
	}
	return nil
}

// RemoveEntry deletes the peer's roster entry
func (t *Transport) RemoveEntry(ctx context.Context, id peer.ID) error {
	_, r, err := t.session("RemoveEntry")
	if err != nil {
		return err
	}
	if err := r.remove(ctx, id); err != nil {
		return errors.Wrap(err, "NATSTransport", "RemoveEntry", "delete roster entry")
	}
	return nil
}

// Close unsubscribes, lets queued inbound messages finish and closes the
// client. Calling Close again is a no-op.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	inbox := t.inbox
	done := t.done
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if inbox != nil {
		_ = inbox.Close()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if err := t.client.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "NATSTransport", "Close", "close session")
	}
	t.logger.Info("Session closed")
	return nil
}

var _ transport.Transport = (*Transport)(nil)
