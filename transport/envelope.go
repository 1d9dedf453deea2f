package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
)

// Envelope is the JSON wire form of messages, presence and queries shared by
// the network adapters.
type Envelope struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	From     string       `json:"from,omitempty"`
	To       string       `json:"to,omitempty"`
	Body     string       `json:"body,omitempty"`
	Presence PresenceType `json:"presence,omitempty"`
	Status   string       `json:"status,omitempty"`
	MsgType  MessageType  `json:"msg_type,omitempty"`
	Kind     string       `json:"kind,omitempty"`
	SentAt   time.Time    `json:"sent_at"`
}

// Envelope types
const (
	EnvelopeMessage  = "message"
	EnvelopePresence = "presence"
	EnvelopeQuery    = "query"
)

// EnvelopeFor converts an outbound stanza sent by from
func EnvelopeFor(from peer.ID, s Stanza, now time.Time) Envelope {
	env := Envelope{
		ID:     s.ID,
		From:   from.String(),
		To:     s.To.String(),
		SentAt: now.UTC(),
	}
	switch s.Kind {
	case KindChat:
		env.Type = EnvelopeMessage
		env.MsgType = MessageChat
		env.Body = s.Body
	case KindPresence:
		env.Type = EnvelopePresence
		env.Presence = s.Presence
		env.Status = s.Status
	}
	return env
}

// DecodeEnvelope parses data and normalizes the sender
func DecodeEnvelope(data []byte) (Envelope, peer.ID, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, "", errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"Envelope", "Decode", "unmarshal envelope")
	}
	from, err := peer.Normalize(env.From)
	if err != nil {
		return env, "", errors.Wrap(err, "Envelope", "Decode", "normalize sender")
	}
	return env, from, nil
}

// Message converts an inbound message envelope. A missing type means chat.
func (e Envelope) Message(from peer.ID) Message {
	typ := e.MsgType
	if typ == "" {
		typ = MessageChat
	}
	return Message{ID: e.ID, From: from, Type: typ, Body: e.Body}
}
