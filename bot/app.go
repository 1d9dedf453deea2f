package bot

import (
	"context"

	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
)

// ParseFunc turns a message body into the structured value handed to the
// responder. A nil ParseFunc passes the body through unchanged.
type ParseFunc func(body string) (any, error)

// RespondFunc computes the reply to a parsed message. An empty reply sends
// nothing. Changes to sub.Fields are persisted after a successful call.
type RespondFunc func(ctx context.Context, sub *store.Subscriber, parsed any) (string, error)

// BackendFunc produces unsolicited messages. It is called in a loop and must
// pace itself, for example by blocking until work is available or ctx ends.
type BackendFunc func(ctx context.Context) ([]Outgoing, error)

// Outgoing is one message produced by a BackendFunc
type Outgoing struct {
	To   peer.ID
	Text string
}

// App bundles the application functions the engine calls
type App struct {
	Parse   ParseFunc
	Respond RespondFunc
	Backend BackendFunc
}

func (a App) parse(body string) (any, error) {
	if a.Parse == nil {
		return body, nil
	}
	return a.Parse(body)
}
