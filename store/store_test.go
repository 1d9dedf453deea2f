package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
)

func TestSubscriber_Fields(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSubscriber(peer.MustNormalize("a@x"), now)

	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.UpdatedAt)
	assert.Equal(t, "", s.Get("lang"))

	s.Set("lang", "en")
	assert.Equal(t, "en", s.Get("lang"))

	var empty Subscriber
	empty.Set("k", "v")
	assert.Equal(t, "v", empty.Get("k"))
}

func TestSubscriber_Clone(t *testing.T) {
	s := NewSubscriber(peer.MustNormalize("a@x"), time.Now())
	s.Set("lang", "en")

	c := s.Clone()
	c.Set("lang", "de")
	assert.Equal(t, "en", s.Get("lang"))
	assert.Equal(t, s.Peer, c.Peer)

	bare := (&Subscriber{Peer: "b@x"}).Clone()
	assert.NotNil(t, bare.Fields)
}

func TestErrNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrNotFound, errors.ErrKeyNotFound)
	assert.False(t, errors.IsTransient(ErrNotFound))
}
