package bot

import (
	"strings"

	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/transport"
)

// onMessage routes an inbound message to its peer's queue or answers a
// stranger. It runs on the transport's control goroutine.
func (b *Bot) onMessage(msg transport.Message) {
	if b.State() != StateRunning {
		b.metrics.RecordMessageReceived("dropped")
		return
	}
	if msg.Type == transport.MessageError || strings.TrimSpace(msg.Body) == "" {
		b.metrics.RecordMessageReceived("ignored")
		return
	}

	if b.peers.Dispatch(msg.From, payload(msg)) {
		b.metrics.RecordMessageReceived("dispatched")
		return
	}
	if b.peers.Halted() {
		b.metrics.RecordMessageReceived("dropped")
		b.logger.Info("Dropping message received during shutdown", "peer", msg.From)
		return
	}

	b.metrics.RecordMessageReceived("stranger")
	b.logger.Info("Message from stranger", "peer", msg.From)
	b.enqueue(transport.Chat(msg.From, b.cfg.Messages.Stranger))
	b.pruneStale(msg.From)
}

// pruneStale removes the roster entry of a peer without a dispatch queue,
// unless a subscription handshake is in progress.
func (b *Bot) pruneStale(id peer.ID) {
	ctx := b.workCtx
	state, ok, err := b.rosterState(id)
	if err != nil {
		b.logger.Warn("Roster lookup failed", "peer", id, "error", err)
		return
	}
	if !ok || state == transport.StatePending {
		return
	}
	if err := b.transport.RemoveEntry(ctx, id); err != nil {
		b.recordFailure("roster", err)
		b.logger.Warn("Failed to prune stale roster entry", "peer", id, "error", err)
		return
	}
	b.logger.Info("Pruned stale roster entry", "peer", id, "state", state)
}

// rosterState looks up the roster entry of id
func (b *Bot) rosterState(id peer.ID) (transport.RosterState, bool, error) {
	entries, err := b.transport.Roster(b.workCtx)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Peer == id {
			return e.State, true, nil
		}
	}
	return "", false, nil
}
