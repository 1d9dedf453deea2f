package wsclient

import (
	"github.com/ximik/rumpy/transport"
)

// Frame types exchanged with the gateway
const (
	FrameAuth      = "auth"
	FrameAuthOK    = "auth_ok"
	FrameAuthError = "auth_error"
	FrameRequest   = "request"
	FrameResult    = "result"
	FrameMessage   = transport.EnvelopeMessage
	FramePresence  = transport.EnvelopePresence
	FrameQuery     = transport.EnvelopeQuery
)

// Request operations
const (
	OpRoster = "roster"
	OpAccept = "accept"
	OpRemove = "remove"
)

// Frame is one JSON text frame. Chat, presence and query frames carry the
// shared envelope fields; the remaining fields belong to the auth and
// request/result exchanges.
type Frame struct {
	transport.Envelope

	Identity string                  `json:"identity,omitempty"`
	Password string                  `json:"password,omitempty"`
	Op       string                  `json:"op,omitempty"`
	Peer     string                  `json:"peer,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Roster   []transport.RosterEntry `json:"roster,omitempty"`
	Result   *transport.QueryResult  `json:"result,omitempty"`
}
