package bot

import (
	"strconv"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/transport"
)

// Introspection query kinds answered by the engine
const (
	QueryPing    = "ping"
	QueryVersion = "version"
	QueryUptime  = "uptime"
	QueryPeers   = "peers"
)

// onIntrospection answers protocol queries synchronously on the control
// goroutine. Answers bypass the output queue.
func (b *Bot) onIntrospection(q transport.Query) transport.QueryResult {
	b.metrics.RecordMessageReceived("query")
	res := transport.QueryResult{Kind: q.Kind}
	if !b.queryLimiter.Allow() {
		b.metrics.RecordError("introspection", errors.ErrorExhausted.String())
		res.Error = "rate limited"
		return res
	}
	switch q.Kind {
	case QueryPing:
		res.Values = map[string]string{"reply": "pong"}
	case QueryVersion:
		res.Values = map[string]string{"name": b.cfg.Name, "version": b.cfg.Version}
	case QueryUptime:
		res.Values = map[string]string{"seconds": strconv.FormatInt(int64(b.Uptime().Seconds()), 10)}
	case QueryPeers:
		res.Values = map[string]string{"active": strconv.Itoa(b.peers.Len())}
	default:
		res.Error = "unsupported query kind"
		b.logger.Debug("Unsupported query", "peer", q.From, "kind", q.Kind)
	}
	return res
}
