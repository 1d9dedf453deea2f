// Package wsclient implements transport.Transport against a chat gateway
// reached over a single gorilla/websocket connection.
//
// Every frame is a JSON text message (see Frame). After dialing, the client
// authenticates with an auth frame and waits for auth_ok or auth_error.
// Roster operations are request frames with a unique id; the gateway answers
// each with a result frame carrying the same id. Inbound message, presence
// and query frames are delivered to the registered handlers in arrival order.
package wsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/metric"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/pkg/buffer"
	"github.com/ximik/rumpy/pkg/retry"
	"github.com/ximik/rumpy/transport"
)

// Config configures the gateway connection
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings; the connection is considered dead
	// when no pong arrives within two intervals. Zero disables keepalive.
	PingInterval time.Duration
	Reconnect    ReconnectConfig
}

// ReconnectConfig controls re-dialing after an authenticated session drops
type ReconnectConfig struct {
	Enabled bool
	// MaxRetries bounds consecutive failed attempts (0=unlimited)
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultConfig returns the default timeouts
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// ErrSessionClosed reports an operation on a connection that is gone
var ErrSessionClosed = fmt.Errorf("websocket session closed: %w", errors.ErrConnectionLost)

// link is one dialed connection and the channels of the goroutines serving it
type link struct {
	conn       *websocket.Conn
	authResult chan Frame
	readDone   chan struct{}
	stopPing   chan struct{}
}

// Client is a gateway session. After the first successful Authenticate the
// client re-dials and re-authenticates on its own whenever the connection
// drops; registered handlers and buffered inbound frames survive the swap.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	mu            sync.Mutex
	link          *link
	identity      peer.ID
	creds         transport.Credentials
	authenticated bool
	registered    bool
	closed        bool
	reconnecting  bool
	broken        error
	pending       map[string]chan Frame

	writeMu sync.Mutex

	events        buffer.Queue[Frame]
	controlDone   chan struct{}
	reconnectDone chan struct{}
	quit          chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts reconnection attempts
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New returns an unconnected client
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "WSClient", "New", "check gateway url")
	}
	defaults := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = defaults.Reconnect.InitialInterval
	}
	if cfg.Reconnect.MaxInterval < cfg.Reconnect.InitialInterval {
		cfg.Reconnect.MaxInterval = max(defaults.Reconnect.MaxInterval, cfg.Reconnect.InitialInterval)
	}
	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = defaults.Reconnect.Multiplier
	}

	c := &Client{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[string]chan Frame),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ws-transport", "url", cfg.URL)
	return c, nil
}

// Connect dials the gateway and starts the read loop. After a lost
// connection that is not being re-dialed in the background, Connect may be
// called again; Authenticate must follow it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "WSClient", "Connect", "check state")
	case c.link != nil || c.reconnecting:
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "WSClient", "Connect", "check state")
	}
	c.mu.Unlock()

	if _, err := c.dial(ctx); err != nil {
		return errors.Wrap(err, "WSClient", "Connect", "open connection")
	}
	c.logger.Info("Connected to gateway")
	return nil
}

// dial opens a connection and attaches it as the current link
func (c *Client) dial(ctx context.Context) (*link, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrAuthenticationFail, err), "WSClient", "dial", "dial gateway")
		}
		return nil, errors.WrapTransient(err, "WSClient", "dial", "dial gateway")
	}

	l := &link{
		conn:       conn,
		authResult: make(chan Frame, 1),
		readDone:   make(chan struct{}),
		stopPing:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "WSClient", "dial", "check state")
	}
	if c.events == nil {
		events, err := buffer.NewQueue[Frame]()
		if err != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return nil, errors.Wrap(err, "WSClient", "dial", "create event queue")
		}
		c.events = events
	}
	c.link = l
	c.mu.Unlock()

	if c.cfg.PingInterval > 0 {
		_ = conn.SetReadDeadline(c.now().Add(2 * c.cfg.PingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(c.now().Add(2 * c.cfg.PingInterval))
		})
		go c.keepalive(l)
	}
	go c.readLoop(l)
	return l, nil
}

// Authenticate sends the auth frame and waits for the gateway's verdict
func (c *Client) Authenticate(ctx context.Context, creds transport.Credentials) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return errors.WrapTransient(ErrSessionClosed, "WSClient", "Authenticate", "check connection")
	}

	auth := Frame{
		Envelope: transport.Envelope{ID: uuid.NewString(), Type: FrameAuth, SentAt: c.now().UTC()},
		Identity: creds.Identity.String(),
		Password: creds.Password,
	}
	if err := c.writeTo(l.conn, auth); err != nil {
		return errors.Wrap(err, "WSClient", "Authenticate", "send auth")
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	select {
	case f, ok := <-l.authResult:
		if !ok {
			return errors.WrapTransient(ErrSessionClosed, "WSClient", "Authenticate", "await auth result")
		}
		if f.Type == FrameAuthError {
			return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrAuthenticationFail, f.Error),
				"WSClient", "Authenticate", "authenticate")
		}
	case <-ctx.Done():
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()),
			"WSClient", "Authenticate", "await auth result")
	}

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return errors.WrapTransient(ErrSessionClosed, "WSClient", "Authenticate", "check connection")
	}
	c.identity = creds.Identity
	c.creds = creds
	c.authenticated = true
	c.broken = nil
	c.mu.Unlock()
	c.logger.Info("Authenticated", "identity", creds.Identity)
	return nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// session returns the authenticated identity or the reason there is none
func (c *Client) session(method string) (peer.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "WSClient", method, "check state")
	case c.broken != nil:
		return "", errors.WrapTransient(fmt.Errorf("%w: %v", ErrSessionClosed, c.broken), "WSClient", method, "check connection")
	case !c.authenticated:
		return "", errors.WrapInvalid(errors.ErrNotStarted, "WSClient", method, "check authentication")
	}
	return c.identity, nil
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return errors.WrapTransient(ErrSessionClosed, "WSClient", "write", "check connection")
	}
	return c.writeTo(l.conn, f)
}

func (c *Client) writeTo(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(err, "WSClient", "write", "marshal frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "WSClient", "write", "write frame")
	}
	return nil
}

// Send writes one chat or presence frame
func (c *Client) Send(_ context.Context, s transport.Stanza) error {
	self, err := c.session("Send")
	if err != nil {
		return err
	}
	if s.IsEmpty() {
		return errors.WrapInvalid(errors.ErrInvalidData, "WSClient", "Send", "check stanza")
	}
	return c.write(Frame{Envelope: transport.EnvelopeFor(self, s, c.now())})
}

// Register installs handlers and starts delivering buffered inbound frames
func (c *Client) Register(h transport.Handlers) error {
	if _, err := c.session("Register"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "WSClient", "Register", "install handlers")
	}
	c.registered = true
	c.controlDone = make(chan struct{})
	go c.control(h, c.events, c.controlDone)
	return nil
}

func (c *Client) control(h transport.Handlers, events buffer.Queue[Frame], done chan struct{}) {
	defer close(done)
	for {
		f, err := events.Pop(context.Background())
		if err != nil {
			return
		}
		c.dispatch(h, f)
	}
}

func (c *Client) dispatch(h transport.Handlers, f Frame) {
	from, err := peer.Normalize(f.From)
	if err != nil {
		c.logger.Warn("Dropping frame with invalid sender", "type", f.Type, "error", err)
		return
	}

	switch f.Type {
	case FrameMessage:
		if h.OnMessage != nil {
			h.OnMessage(f.Message(from))
		}

	case FramePresence:
		switch f.Presence {
		case transport.PresenceSubscribe:
			if h.OnSubscriptionRequest != nil {
				h.OnSubscriptionRequest(from)
			}
		case transport.PresenceSubscribed, transport.PresenceUnsubscribe, transport.PresenceUnsubscribed:
			if h.OnSubscriptionChanged != nil {
				h.OnSubscriptionChanged(transport.SubscriptionEvent{From: from, Type: f.Presence})
			}
		default:
			c.logger.Debug("Ignoring presence", "peer", from, "presence", f.Presence)
		}

	case FrameQuery:
		result := transport.QueryResult{Kind: f.Kind, Error: "unsupported"}
		if h.OnIntrospection != nil {
			result = h.OnIntrospection(transport.Query{ID: f.ID, From: from, Kind: f.Kind})
		}
		reply := Frame{
			Envelope: transport.Envelope{ID: f.ID, Type: FrameResult, To: from.String(), SentAt: c.now().UTC()},
			Result:   &result,
		}
		if err := c.write(reply); err != nil {
			c.logger.Error("Failed to answer query", "kind", f.Kind, "error", err)
		}
	}
}

// readLoop routes every inbound frame until the connection fails
func (c *Client) readLoop(l *link) {
	defer close(l.readDone)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			c.fail(l, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case FrameAuthOK, FrameAuthError:
			select {
			case l.authResult <- f:
			default:
			}
		case FrameResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameMessage, FramePresence, FrameQuery:
			if err := c.events.Push(f); err != nil {
				c.logger.Debug("Dropping frame after close", "type", f.Type)
			}
		default:
			c.logger.Debug("Ignoring unknown frame", "type", f.Type)
		}
	}
}

// fail marks the session broken, releases every waiter and starts the
// reconnect loop when the lost link was the current one of an
// authenticated session.
func (c *Client) fail(l *link, err error) {
	c.mu.Lock()
	closing := c.closed
	current := c.link == l
	var pending map[string]chan Frame
	if current {
		pending = c.pending
		c.pending = make(map[string]chan Frame)
	}
	if current && !closing {
		c.link = nil
		c.broken = err
	}
	reconnect := current && !closing && c.authenticated && !c.reconnecting && c.cfg.Reconnect.Enabled
	var done chan struct{}
	if reconnect {
		c.reconnecting = true
		done = make(chan struct{})
		c.reconnectDone = done
	}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(l.authResult)

	if !current || closing {
		return
	}
	close(l.stopPing)
	_ = l.conn.Close()
	c.logger.Error("Gateway connection lost", "error", err)
	if reconnect {
		go c.reconnectLoop(done)
	}
}

// drop discards l if it is still the current link and waits for its reader
func (c *Client) drop(l *link) {
	c.mu.Lock()
	current := c.link == l && !c.closed
	if current {
		c.link = nil
	}
	c.mu.Unlock()

	if current {
		close(l.stopPing)
		_ = l.conn.Close()
	}
	<-l.readDone
}

// reconnectLoop re-dials with exponential backoff until a new link is
// authenticated, the gateway rejects the credentials, the retry budget runs
// out or the client is closed.
func (c *Client) reconnectLoop(done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	cfg := c.cfg.Reconnect
	for attempt := 1; ; attempt++ {
		if cfg.MaxRetries > 0 && attempt > cfg.MaxRetries {
			c.logger.Error("Giving up on gateway reconnection", "attempts", cfg.MaxRetries)
			c.stopReconnecting()
			return
		}
		if err := retry.Sleep(ctx, c.reconnectDelay(attempt)); err != nil {
			return
		}
		if c.metrics != nil {
			c.metrics.RecordTransportReconnect()
		}

		l, err := c.dial(ctx)
		if err == nil {
			err = c.Authenticate(ctx, creds)
		}
		if err == nil {
			if c.settle(l) {
				c.logger.Info("Reconnected to gateway", "attempt", attempt)
				return
			}
			err = ErrSessionClosed
		}
		if l != nil {
			c.drop(l)
		}
		if errors.IsFatal(err) {
			c.logger.Error("Gateway refused reconnection", "error", err)
			c.stopReconnecting()
			return
		}
		c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// settle ends the reconnect phase if l survived authentication
func (c *Client) settle(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return false
	}
	c.reconnecting = false
	return true
}

func (c *Client) stopReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

// reconnectDelay grows the wait exponentially from InitialInterval up to
// MaxInterval
func (c *Client) reconnectDelay(attempt int) time.Duration {
	cfg := c.cfg.Reconnect
	delay := cfg.InitialInterval
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxInterval {
			return cfg.MaxInterval
		}
	}
	return delay
}

func (c *Client) keepalive(l *link) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopPing:
			return
		case <-ticker.C:
			deadline := c.now().Add(c.cfg.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// request sends a request frame and waits for its result
func (c *Client) request(ctx context.Context, method, op string, id peer.ID) (Frame, error) {
	if _, err := c.session(method); err != nil {
		return Frame{}, err
	}

	reqID := uuid.NewString()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	req := Frame{
		Envelope: transport.Envelope{ID: reqID, Type: FrameRequest, SentAt: c.now().UTC()},
		Op:       op,
		Peer:     id.String(),
	}
	if err := c.write(req); err != nil {
		return Frame{}, errors.Wrap(err, "WSClient", method, "send request")
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, errors.WrapTransient(ErrSessionClosed, "WSClient", method, "await result")
		}
		if f.Error != "" {
			return Frame{}, errors.WrapInvalid(stderrors.New(f.Error), "WSClient", method, op)
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()),
			"WSClient", method, "await result")
	}
}

// Roster asks the gateway for the roster
func (c *Client) Roster(ctx context.Context) ([]transport.RosterEntry, error) {
	f, err := c.request(ctx, "Roster", OpRoster, "")
	if err != nil {
		return nil, err
	}

	entries := make([]transport.RosterEntry, 0, len(f.Roster))
	for _, e := range f.Roster {
		id, err := peer.Normalize(e.Peer.String())
		if err != nil || !e.State.Valid() {
			c.logger.Warn("Skipping invalid roster entry", "peer", e.Peer, "state", e.State)
			continue
		}
		entries = append(entries, transport.RosterEntry{Peer: id, State: e.State})
	}
	return entries, nil
}

// AcceptSubscription approves a pending subscription request
func (c *Client) AcceptSubscription(ctx context.Context, id peer.ID) error {
	_, err := c.request(ctx, "AcceptSubscription", OpAccept, id)
	return err
}

// RemoveEntry deletes the peer from the roster
func (c *Client) RemoveEntry(ctx context.Context, id peer.ID) error {
	_, err := c.request(ctx, "RemoveEntry", OpRemove, id)
	return err
}

// Close stops any reconnect in progress, sends a close frame, waits for
// the read loop and lets buffered inbound frames finish. Calling Close again
// is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	l := c.link
	events := c.events
	controlDone := c.controlDone
	var reconnectDone chan struct{}
	if c.reconnecting {
		reconnectDone = c.reconnectDone
	}
	c.mu.Unlock()

	var errs []error
	if l != nil {
		close(l.stopPing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, c.now().Add(c.cfg.WriteTimeout))

		select {
		case <-l.readDone:
		case <-time.After(c.cfg.WriteTimeout):
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if err := l.conn.Close(); err != nil && !stderrors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("Close connection", "error", err)
		}
		<-l.readDone
	}

	if reconnectDone != nil {
		select {
		case <-reconnectDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if events != nil {
		_ = events.Close()
	}
	if controlDone != nil {
		select {
		case <-controlDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "WSClient", "Close", "close session")
	}
	c.logger.Info("Session closed")
	return nil
}

var _ transport.Transport = (*Client)(nil)
