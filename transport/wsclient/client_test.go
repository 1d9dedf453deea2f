package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/metric"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/transport"
)

const alice = peer.ID("alice@example.com")

// gateway is a minimal chat gateway speaking the frame protocol
type gateway struct {
	t        *testing.T
	password string
	server   *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	roster   map[string]transport.RosterState
	received []Frame
	signal   chan struct{}
	silent   bool
	refuse   bool
	accepted int
}

func newGateway(t *testing.T, password string) *gateway {
	g := &gateway{
		t:        t,
		password: password,
		roster:   map[string]transport.RosterState{},
		signal:   make(chan struct{}, 64),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		refuse := g.refuse
		g.mu.Unlock()
		if refuse {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.accepted++
		g.mu.Unlock()
		g.serve(conn)
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *gateway) send(f Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, _ := json.Marshal(f)
	_ = g.conn.WriteMessage(websocket.TextMessage, data)
}

// drop closes the current connection from the gateway side
func (g *gateway) drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.conn.Close()
}

func (g *gateway) connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

func (g *gateway) count(frameType string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, f := range g.received {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

func (g *gateway) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}

		g.mu.Lock()
		g.received = append(g.received, f)
		silent := g.silent
		password := g.password
		g.mu.Unlock()
		select {
		case g.signal <- struct{}{}:
		default:
		}

		switch f.Type {
		case FrameAuth:
			if f.Password == password {
				g.send(Frame{Envelope: transport.Envelope{ID: f.ID, Type: FrameAuthOK}})
			} else {
				g.send(Frame{Envelope: transport.Envelope{ID: f.ID, Type: FrameAuthError}, Error: "bad password"})
			}
		case FrameRequest:
			if silent {
				continue
			}
			g.send(g.answer(f))
		}
	}
}

func (g *gateway) answer(f Frame) Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := Frame{Envelope: transport.Envelope{ID: f.ID, Type: FrameResult}}
	switch f.Op {
	case OpRoster:
		for p, state := range g.roster {
			res.Roster = append(res.Roster, transport.RosterEntry{Peer: peer.ID(p), State: state})
		}
	case OpAccept:
		if f.Peer == "" {
			res.Error = "missing peer"
			break
		}
		g.roster[f.Peer] = transport.StateBoth
	case OpRemove:
		delete(g.roster, f.Peer)
	default:
		res.Error = "unknown op"
	}
	return res
}

func (g *gateway) waitFor(t *testing.T, match func(Frame) bool) Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		g.mu.Lock()
		for _, f := range g.received {
			if match(f) {
				g.mu.Unlock()
				return f
			}
		}
		g.mu.Unlock()
		select {
		case <-g.signal:
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func connect(t *testing.T, g *gateway, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(g.url())
	cfg.RequestTimeout = time.Second
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Authenticate(ctx, transport.Credentials{Identity: "bot@example.com", Password: "secret"}))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.IsFatal(err))
}

func TestConnect_Unreachable(t *testing.T) {
	c, err := New(Config{URL: "ws://127.0.0.1:1/chat", HandshakeTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	err = c.Connect(context.Background())
	assert.True(t, errors.IsTransient(err))
}

func TestAuthenticate_Rejected(t *testing.T) {
	g := newGateway(t, "secret")
	c, err := New(DefaultConfig(g.url()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	err = c.Authenticate(ctx, transport.Credentials{Identity: "bot@example.com", Password: "nope"})
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrAuthenticationFail)

	err = c.Send(ctx, transport.Chat(alice, "hi"))
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestSend(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g)

	require.NoError(t, c.Send(context.Background(), transport.Chat(alice, "pong")))
	f := g.waitFor(t, func(f Frame) bool { return f.Type == FrameMessage })
	assert.Equal(t, "pong", f.Body)
	assert.Equal(t, alice.String(), f.To)
	assert.Equal(t, "bot@example.com", f.From)

	err := c.Send(context.Background(), transport.Stanza{Kind: transport.KindChat})
	assert.True(t, errors.IsInvalid(err))
}

func TestRosterRequests(t *testing.T) {
	g := newGateway(t, "secret")
	g.roster["Bob@Example.com"] = transport.StatePending
	g.roster["broken@example.com"] = "weird"
	c := connect(t, g)
	ctx := context.Background()

	entries, err := c.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, peer.ID("bob@example.com"), entries[0].Peer)

	require.NoError(t, c.AcceptSubscription(ctx, alice))
	g.mu.Lock()
	assert.Equal(t, transport.StateBoth, g.roster[alice.String()])
	g.mu.Unlock()

	require.NoError(t, c.RemoveEntry(ctx, alice))
	g.mu.Lock()
	_, ok := g.roster[alice.String()]
	g.mu.Unlock()
	assert.False(t, ok)

	err = c.AcceptSubscription(ctx, "")
	assert.True(t, errors.IsInvalid(err))
}

func TestRequest_Timeout(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g)
	g.mu.Lock()
	g.silent = true
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Roster(ctx)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
}

func TestInboundEvents(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g)

	messages := make(chan transport.Message, 4)
	requests := make(chan peer.ID, 1)
	changes := make(chan transport.SubscriptionEvent, 1)
	require.NoError(t, c.Register(transport.Handlers{
		OnMessage:             func(m transport.Message) { messages <- m },
		OnSubscriptionRequest: func(from peer.ID) { requests <- from },
		OnSubscriptionChanged: func(ev transport.SubscriptionEvent) { changes <- ev },
		OnIntrospection: func(q transport.Query) transport.QueryResult {
			return transport.QueryResult{Kind: q.Kind, Values: map[string]string{"ok": "yes"}}
		},
	}))

	g.send(Frame{Envelope: transport.Envelope{ID: "1", Type: FrameMessage, From: "Alice@Example.com/home", Body: "one"}})
	g.send(Frame{Envelope: transport.Envelope{ID: "2", Type: FrameMessage, From: alice.String(), Body: "two", MsgType: transport.MessageError}})
	g.send(Frame{Envelope: transport.Envelope{ID: "3", Type: FramePresence, From: alice.String(), Presence: transport.PresenceSubscribe}})
	g.send(Frame{Envelope: transport.Envelope{ID: "4", Type: FramePresence, From: alice.String(), Presence: transport.PresenceUnsubscribed}})
	g.send(Frame{Envelope: transport.Envelope{ID: "5", Type: FrameQuery, From: alice.String(), Kind: "ping"}})

	first := <-messages
	assert.Equal(t, alice, first.From)
	assert.Equal(t, "one", first.Body)
	assert.Equal(t, transport.MessageChat, first.Type)
	second := <-messages
	assert.Equal(t, transport.MessageError, second.Type)

	assert.Equal(t, alice, <-requests)
	assert.Equal(t, transport.PresenceUnsubscribed, (<-changes).Type)

	res := g.waitFor(t, func(f Frame) bool { return f.Type == FrameResult && f.ID == "5" })
	require.NotNil(t, res.Result)
	assert.Equal(t, "yes", res.Result.Values["ok"])

	assert.ErrorIs(t, c.Register(transport.Handlers{}), errors.ErrAlreadyStarted)
}

func withoutReconnect(cfg *Config) {
	cfg.Reconnect.Enabled = false
}

func withFastReconnect(cfg *Config) {
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 50 * time.Millisecond
}

func TestConnectionLost(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g, withoutReconnect)

	g.drop()

	require.Eventually(t, func() bool {
		err := c.Send(context.Background(), transport.Chat(alice, "hi"))
		return errors.IsTransient(err)
	}, 5*time.Second, 10*time.Millisecond)

	_, err := c.Roster(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Without background reconnection the caller re-dials explicitly.
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Authenticate(ctx, transport.Credentials{Identity: "bot@example.com", Password: "secret"}))
	require.NoError(t, c.Send(ctx, transport.Chat(alice, "back")))
	g.waitFor(t, func(f Frame) bool { return f.Type == FrameMessage && f.Body == "back" })
}

func TestReconnect_AfterConnectionLost(t *testing.T) {
	g := newGateway(t, "secret")
	registry := metric.NewMetricsRegistry()
	cfg := DefaultConfig(g.url())
	cfg.RequestTimeout = time.Second
	withFastReconnect(&cfg)
	c, err := New(cfg, WithMetrics(registry.CoreMetrics()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Authenticate(ctx, transport.Credentials{Identity: "bot@example.com", Password: "secret"}))

	messages := make(chan transport.Message, 4)
	require.NoError(t, c.Register(transport.Handlers{
		OnMessage: func(m transport.Message) { messages <- m },
	}))

	g.drop()

	require.Eventually(t, func() bool {
		return c.Send(ctx, transport.Chat(alice, "after")) == nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, g.connections())
	assert.Equal(t, 2, g.count(FrameAuth))
	f := g.waitFor(t, func(f Frame) bool { return f.Type == FrameMessage && f.Body == "after" })
	assert.Equal(t, "bot@example.com", f.From)

	// Handlers registered before the drop keep receiving frames.
	g.send(Frame{Envelope: transport.Envelope{ID: "1", Type: FrameMessage, From: alice.String(), Body: "still here"}})
	select {
	case m := <-messages:
		assert.Equal(t, "still here", m.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called after reconnect")
	}

	var m dto.Metric
	require.NoError(t, registry.CoreMetrics().TransportReconnects.Write(&m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
}

func TestReconnect_RetriesWhileGatewayDown(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g, withFastReconnect)

	g.mu.Lock()
	g.refuse = true
	g.mu.Unlock()
	g.drop()

	require.Eventually(t, func() bool {
		return errors.IsTransient(c.Send(context.Background(), transport.Chat(alice, "down")))
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, g.connections())

	g.mu.Lock()
	g.refuse = false
	g.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.Send(context.Background(), transport.Chat(alice, "up")) == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, g.connections())
}

func TestReconnect_StopsOnRejectedCredentials(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g, withFastReconnect)

	g.mu.Lock()
	g.password = "rotated"
	g.mu.Unlock()
	g.drop()

	require.Eventually(t, func() bool { return g.count(FrameAuth) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.reconnecting
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, g.connections())
	assert.True(t, errors.IsTransient(c.Send(context.Background(), transport.Chat(alice, "hi"))))
}

func TestClose_DuringReconnect(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g, func(cfg *Config) {
		cfg.Reconnect.InitialInterval = time.Hour
		cfg.Reconnect.MaxInterval = time.Hour
	})

	g.drop()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.reconnecting
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	assert.ErrorIs(t, c.Send(context.Background(), transport.Chat(alice, "late")), errors.ErrShuttingDown)
}

func TestReconnectDelay(t *testing.T) {
	c, err := New(Config{URL: "ws://gateway/chat", Reconnect: ReconnectConfig{
		Enabled:         true,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}})
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, c.reconnectDelay(1))
	assert.Equal(t, 200*time.Millisecond, c.reconnectDelay(2))
	assert.Equal(t, 800*time.Millisecond, c.reconnectDelay(4))
	assert.Equal(t, time.Second, c.reconnectDelay(5))
	assert.Equal(t, time.Second, c.reconnectDelay(50))
}

func TestClose_Idempotent(t *testing.T) {
	g := newGateway(t, "secret")
	c := connect(t, g)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	err := c.Send(context.Background(), transport.Chat(alice, "late"))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}
