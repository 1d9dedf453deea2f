package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ID
	}{
		{"plain", "a@x", "a@x"},
		{"surrounding whitespace", "  a@x\n", "a@x"},
		{"resource stripped", "a@x/phone", "a@x"},
		{"case folded", "Alice@Example.ORG", "alice@example.org"},
		{"all at once", " Alice@Example.org/Home ", "alice@example.org"},
		{"no domain", "gateway", "gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "/res", "a b@x", "a@b@c", "@x", "a@"} {
		t.Run(raw, func(t *testing.T) {
			_, err := Normalize(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidPeer)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestID_Parts(t *testing.T) {
	id := MustNormalize("bob@chat.example.org")
	assert.Equal(t, "bob", id.Local())
	assert.Equal(t, "chat.example.org", id.Domain())
	assert.False(t, id.IsZero())
	assert.True(t, ID("").IsZero())
	assert.Equal(t, "bob@chat.example.org", id.String())

	assert.Panics(t, func() { MustNormalize("") })
}

func TestToken_RoundTrip(t *testing.T) {
	id := MustNormalize("alice@example.org")
	token := id.Token()
	assert.NotContains(t, token, "@")
	assert.NotContains(t, token, ".")

	back, err := FromToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestFromToken_Invalid(t *testing.T) {
	_, err := FromToken("***")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidPeer)
	assert.True(t, errors.IsInvalid(err))
}
