package transport

import (
	"github.com/google/uuid"

	"github.com/ximik/rumpy/peer"
)

// StanzaKind distinguishes outbound chat messages from presence notices
type StanzaKind string

// Stanza kinds
const (
	KindChat     StanzaKind = "chat"
	KindPresence StanzaKind = "presence"
)

// PresenceType is the type of a presence stanza or subscription event
type PresenceType string

// Presence types
const (
	PresenceAvailable    PresenceType = "available"
	PresenceUnavailable  PresenceType = "unavailable"
	PresenceSubscribe    PresenceType = "subscribe"
	PresenceSubscribed   PresenceType = "subscribed"
	PresenceUnsubscribe  PresenceType = "unsubscribe"
	PresenceUnsubscribed PresenceType = "unsubscribed"
)

// Stanza is one outbound protocol message. An empty To on a presence
// broadcasts it to every peer.
type Stanza struct {
	ID       string
	Kind     StanzaKind
	To       peer.ID
	Body     string
	Presence PresenceType
	Status   string
}

// Chat builds a chat message to a peer
func Chat(to peer.ID, body string) Stanza {
	return Stanza{ID: uuid.NewString(), Kind: KindChat, To: to, Body: body}
}

// Presence builds a presence stanza. Use an empty to for a broadcast.
func Presence(to peer.ID, typ PresenceType, status string) Stanza {
	return Stanza{ID: uuid.NewString(), Kind: KindPresence, To: to, Presence: typ, Status: status}
}

// IsEmpty reports whether s carries nothing that could be sent
func (s Stanza) IsEmpty() bool {
	switch s.Kind {
	case KindChat:
		return s.To.IsZero() || s.Body == ""
	case KindPresence:
		return s.Presence == ""
	default:
		return true
	}
}
