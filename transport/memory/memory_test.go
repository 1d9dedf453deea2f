package memory

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/transport"
)

const (
	alice = peer.ID("alice@example.com")
	bot   = peer.ID("bot@example.com")
)

func connected(t *testing.T) *Transport {
	t.Helper()
	tr := New("secret")
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Authenticate(ctx, transport.Credentials{Identity: bot, Password: "secret"}))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	tr := New("secret")
	err := tr.Authenticate(ctx, transport.Credentials{Identity: bot, Password: "secret"})
	assert.True(t, errors.IsTransient(err), "authenticate before connect")

	require.NoError(t, tr.Connect(ctx))
	err = tr.Authenticate(ctx, transport.Credentials{Identity: bot, Password: "wrong"})
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrAuthenticationFail)

	require.NoError(t, tr.Authenticate(ctx, transport.Credentials{Identity: bot, Password: "secret"}))
	assert.Equal(t, bot, tr.Identity())
}

func TestSend_RequiresSession(t *testing.T) {
	tr := New("")
	err := tr.Send(context.Background(), transport.Chat(alice, "hi"))
	assert.True(t, errors.IsTransient(err))
}

func TestSend_RecordsAndFails(t *testing.T) {
	tr := connected(t)
	ctx := context.Background()

	boom := errors.WrapTransient(stderrors.New("broken pipe"), "test", "Send", "write")
	tr.FailSend(boom)

	err := tr.Send(ctx, transport.Chat(alice, "one"))
	assert.ErrorIs(t, err, boom)
	require.NoError(t, tr.Send(ctx, transport.Chat(alice, "two")))

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "two", sent[0].Body)
}

func TestWaitForSent(t *testing.T) {
	tr := connected(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		for _, body := range []string{"a", "b", "c"} {
			_ = tr.Send(context.Background(), transport.Chat(alice, body))
		}
	}()

	sent, err := tr.WaitForSent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, sent, 3)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = tr.WaitForSent(short, 4)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegister_DeliversInOrder(t *testing.T) {
	tr := connected(t)

	var mu sync.Mutex
	var bodies []string
	require.NoError(t, tr.Register(transport.Handlers{
		OnMessage: func(m transport.Message) {
			mu.Lock()
			defer mu.Unlock()
			bodies = append(bodies, m.Body)
		},
	}))

	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, tr.InjectMessage(alice, body))
	}
	require.NoError(t, tr.Sync(context.Background()))

	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, bodies)
	mu.Unlock()

	err := tr.Register(transport.Handlers{})
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestSubscriptionFlow(t *testing.T) {
	tr := connected(t)

	requests := make(chan peer.ID, 1)
	changes := make(chan transport.SubscriptionEvent, 2)
	require.NoError(t, tr.Register(transport.Handlers{
		OnSubscriptionRequest: func(from peer.ID) { requests <- from },
		OnSubscriptionChanged: func(ev transport.SubscriptionEvent) { changes <- ev },
	}))

	require.NoError(t, tr.InjectSubscriptionRequest(alice))
	assert.Equal(t, alice, <-requests)
	state, ok := tr.RosterState(alice)
	require.True(t, ok)
	assert.Equal(t, transport.StatePending, state)

	ctx := context.Background()
	require.NoError(t, tr.AcceptSubscription(ctx, alice))
	state, _ = tr.RosterState(alice)
	assert.Equal(t, transport.StateBoth, state)

	require.NoError(t, tr.InjectSubscriptionChanged(alice, transport.PresenceUnsubscribe))
	ev := <-changes
	assert.Equal(t, transport.PresenceUnsubscribe, ev.Type)
	state, _ = tr.RosterState(alice)
	assert.Equal(t, transport.StateUnsubscribing, state)

	require.NoError(t, tr.RemoveEntry(ctx, alice))
	require.NoError(t, tr.RemoveEntry(ctx, alice))
	_, ok = tr.RosterState(alice)
	assert.False(t, ok)
}

func TestRoster_SortedAndFaults(t *testing.T) {
	tr := connected(t)
	ctx := context.Background()

	tr.SetRoster(
		transport.RosterEntry{Peer: "zed@example.com", State: transport.StateBoth},
		transport.RosterEntry{Peer: alice, State: transport.StatePending},
	)

	entries, err := tr.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, alice, entries[0].Peer)

	tr.FailRoster(errors.WrapTransient(errors.ErrConnectionLost, "test", "Roster", "list"))
	_, err = tr.Roster(ctx)
	assert.True(t, errors.IsTransient(err))
	_, err = tr.Roster(ctx)
	assert.NoError(t, err)
}

func TestQuery(t *testing.T) {
	tr := connected(t)
	require.NoError(t, tr.Register(transport.Handlers{
		OnIntrospection: func(q transport.Query) transport.QueryResult {
			return transport.QueryResult{Kind: q.Kind, Values: map[string]string{"from": q.From.String()}}
		},
	}))

	res, err := tr.Query(context.Background(), alice, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", res.Kind)
	assert.Equal(t, alice.String(), res.Values["from"])
}

func TestClose_DrainsQueuedEvents(t *testing.T) {
	tr := New("")
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Authenticate(ctx, transport.Credentials{Identity: bot}))

	var mu sync.Mutex
	count := 0
	require.NoError(t, tr.Register(transport.Handlers{
		OnMessage: func(transport.Message) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.InjectMessage(alice, "x"))
	}

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))
	assert.True(t, tr.Closed())

	mu.Lock()
	assert.Equal(t, 10, count)
	mu.Unlock()

	err := tr.InjectMessage(alice, "late")
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.True(t, errors.IsTransient(tr.Send(ctx, transport.Chat(alice, "late"))))
}
