package memory

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
)

var (
	alice = peer.MustNormalize("alice@example.org")
	bob   = peer.MustNormalize("bob@example.org")
)

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.FindByIdentity(ctx, alice)
	assert.ErrorIs(t, err, store.ErrNotFound)

	created, err := s.Create(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, created.Peer)
	assert.True(t, s.Has(alice))

	again, err := s.Create(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, again.CreatedAt)
	assert.Equal(t, 1, s.Len())

	found, err := s.FindByIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, found.Peer)

	require.NoError(t, s.Destroy(ctx, alice))
	require.NoError(t, s.Destroy(ctx, alice))
	assert.False(t, s.Has(alice))
	assert.Equal(t, 2, s.Calls(OpDestroy))
}

func TestStore_CreateRejectsEmptyIdentity(t *testing.T) {
	_, err := New().Create(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_SaveIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	sub, err := s.Create(ctx, alice)
	require.NoError(t, err)

	sub.Set("lang", "en")
	found, err := s.FindByIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "", found.Get("lang"), "unsaved changes stay local")

	require.NoError(t, s.Save(ctx, sub))
	found, err = s.FindByIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "en", found.Get("lang"))
	assert.False(t, found.UpdatedAt.Before(found.CreatedAt))

	err = s.Save(ctx, store.NewSubscriber(bob, found.CreatedAt))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ForEach(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Seed(bob, alice)

	var seen []peer.ID
	require.NoError(t, s.ForEach(ctx, func(sub *store.Subscriber) error {
		seen = append(seen, sub.Peer)
		return nil
	}))
	assert.Equal(t, []peer.ID{alice, bob}, seen)

	stop := stderrors.New("stop")
	count := 0
	err := s.ForEach(ctx, func(*store.Subscriber) error {
		count++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, count)
}

func TestStore_ForEachMayMutate(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Seed(alice, bob)

	require.NoError(t, s.ForEach(ctx, func(sub *store.Subscriber) error {
		return s.Destroy(ctx, sub.Peer)
	}))
	assert.Equal(t, 0, s.Len())
}

func TestStore_FaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	transient := errors.WrapTransient(errors.ErrConnectionLost, "MemoryStore", "Create", "insert")

	s.FailNext(OpCreate, transient, transient)

	_, err := s.Create(ctx, alice)
	assert.True(t, errors.IsTransient(err))
	_, err = s.Create(ctx, alice)
	assert.True(t, errors.IsTransient(err))
	_, err = s.Create(ctx, alice)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Calls(OpCreate))

	require.NoError(t, s.Reconnect(ctx))
	assert.Equal(t, 1, s.Calls(OpReconnect))

	s.ReleasePooledConnection()
	assert.Equal(t, 1, s.Releases())
}
