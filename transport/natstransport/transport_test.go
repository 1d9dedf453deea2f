package natstransport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/natsclient"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/transport"
)

func TestSubjects(t *testing.T) {
	bot := peer.ID("bot@example.com")
	token := bot.Token()

	assert.Equal(t, "rumpy.bot."+token+".message", MessageSubject("rumpy", bot))
	assert.Equal(t, "rumpy.bot."+token+".presence", PresenceSubject("rumpy", bot))
	assert.Equal(t, "rumpy.bot."+token+".query", QuerySubject("rumpy", bot))
	assert.Equal(t, "chat.peer."+peer.ID("alice@example.com").Token(), PeerSubject("chat", "alice@example.com"))
	assert.NotContains(t, token, ".")
}

func TestRosterBucket(t *testing.T) {
	tests := []struct {
		prefix, name, expected string
	}{
		{"rumpy", "echo", "rumpy_roster_echo"},
		{"rumpy", "echo.bot", "rumpy_roster_echo_bot"},
		{"my-app", "bot@example.com", "my-app_roster_bot_example_com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, RosterBucket(tt.prefix, tt.name))
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{})
	assert.True(t, errors.IsFatal(err))

	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = New(client, Config{Prefix: "bad prefix"})
	assert.True(t, errors.IsFatal(err))

	tr, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, tr.cfg.Prefix)
	assert.Equal(t, 1, tr.cfg.Replicas)
}

func TestOperations_RequireAuthentication(t *testing.T) {
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	tr, err := New(client, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	err = tr.Send(ctx, transport.Chat("alice@example.com", "hi"))
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	_, err = tr.Roster(ctx)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	err = tr.Register(transport.Handlers{})
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	err = tr.Authenticate(ctx, transport.Credentials{Identity: "bot@example.com"})
	assert.True(t, errors.IsTransient(err), "not connected")

	err = tr.Authenticate(ctx, transport.Credentials{})
	assert.True(t, errors.IsFatal(err))
}

func TestClose_Idempotent(t *testing.T) {
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	tr, err := New(client, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))

	err = tr.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestDecodeRecord(t *testing.T) {
	data, err := json.Marshal(rosterRecord{Peer: "alice@example.com", State: transport.StateBoth, UpdatedAt: time.Now()})
	require.NoError(t, err)

	rec, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, transport.StateBoth, rec.State)

	_, err = decodeRecord([]byte(`{"peer":"a@b","state":"weird"}`))
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)

	_, err = decodeRecord([]byte(`not json`))
	assert.True(t, errors.IsInvalid(err))
}

func TestFanOut_FailsOnlyWhenNobodyReceived(t *testing.T) {
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	var logs bytes.Buffer
	tr, err := New(client, Config{}, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	alice, bob, carol := peer.ID("alice@example.com"), peer.ID("bob@example.com"), peer.ID("carol@example.com")
	broken := errors.WrapTransient(errors.ErrConnectionLost, "test", "Publish", "publish")

	calls := map[peer.ID]int{}
	err = tr.fanOut([]peer.ID{alice, bob, carol}, func(to peer.ID) error {
		calls[to]++
		if to == bob {
			return broken
		}
		return nil
	})
	require.NoError(t, err, "a partial broadcast is not retried")
	assert.Equal(t, map[peer.ID]int{alice: 1, bob: 1, carol: 1}, calls)
	assert.Contains(t, logs.String(), "Broadcast to peer failed")

	err = tr.fanOut([]peer.ID{alice, bob}, func(peer.ID) error { return broken })
	assert.True(t, errors.IsTransient(err))

	assert.NoError(t, tr.fanOut(nil, func(peer.ID) error { return broken }))
}
