package bot

import (
	"github.com/ximik/rumpy/transport"
)

type itemKind int

const (
	itemPayload itemKind = iota
	itemUnsubscribe
	itemHalt
)

func (k itemKind) String() string {
	switch k {
	case itemPayload:
		return "payload"
	case itemUnsubscribe:
		return "unsubscribe"
	case itemHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// workItem is one entry of a peer's dispatch queue. Only payload items carry
// a message.
type workItem struct {
	kind itemKind
	msg  transport.Message
}

func payload(msg transport.Message) workItem {
	return workItem{kind: itemPayload, msg: msg}
}

// outputItem is one entry of the output queue
type outputItem struct {
	halt   bool
	stanza transport.Stanza
}
