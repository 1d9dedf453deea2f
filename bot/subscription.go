package bot

import (
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/transport"
)

// onSubscriptionRequest accepts a peer asking to subscribe, asks for the
// reverse subscription and greets it.
func (b *Bot) onSubscriptionRequest(from peer.ID) {
	if b.State() != StateRunning {
		return
	}
	b.metrics.RecordSubscriptionEvent("request")

	state, ok, err := b.rosterState(from)
	if err != nil {
		b.recordFailure("subscription", err)
		b.logger.Warn("Roster lookup failed", "peer", from, "error", err)
		return
	}
	if ok && state == transport.StateBoth {
		b.logger.Debug("Subscription request from subscribed peer ignored", "peer", from)
		return
	}

	if err := b.transport.AcceptSubscription(b.workCtx, from); err != nil {
		b.recordFailure("subscription", err)
		b.logger.Warn("Failed to accept subscription", "peer", from, "error", err)
		return
	}
	b.enqueue(transport.Presence(from, transport.PresenceSubscribe, ""))
	b.enqueue(transport.Chat(from, b.cfg.Messages.Welcome))
	b.logger.Info("Subscription request accepted", "peer", from)
}

// onSubscriptionChanged creates or tears down a subscriber
func (b *Bot) onSubscriptionChanged(ev transport.SubscriptionEvent) {
	if b.State() != StateRunning {
		return
	}
	b.metrics.RecordSubscriptionEvent(string(ev.Type))

	switch ev.Type {
	case transport.PresenceSubscribed:
		b.subscribed(ev.From)
	case transport.PresenceUnsubscribe, transport.PresenceUnsubscribed:
		b.unsubscribed(ev.From)
	default:
		b.logger.Debug("Ignoring subscription event", "peer", ev.From, "type", ev.Type)
	}
}

func (b *Bot) subscribed(id peer.ID) {
	// A resubscribe racing a teardown waits for the old worker to finish so
	// its Destroy cannot land after our Create.
	if b.peers.Has(id) {
		return
	}
	if removed := b.peers.Removed(id); removed != nil {
		select {
		case <-removed:
		case <-b.workCtx.Done():
			return
		}
	}

	err := b.withRecovery(b.workCtx, "subscribe", func() error {
		_, err := b.store.Create(b.workCtx, id)
		return err
	})
	if err != nil {
		b.recordFailure("subscribe", err)
		b.logger.Error("Failed to create subscriber", "peer", id, "error", err)
		return
	}
	if !b.startWorker(id) {
		if b.peers.Halted() {
			b.logger.Info("Subscriber saved, dispatch not started during shutdown", "peer", id)
		}
		return
	}
	b.enqueue(transport.Chat(id, b.cfg.Messages.Authorized))
	b.logger.Info("Peer subscribed", "peer", id)
}

func (b *Bot) unsubscribed(id peer.ID) {
	if !b.peers.Unsubscribe(id) {
		// No live worker: either one is already draining or there never was one.
		if b.peers.Removed(id) == nil {
			b.destroySubscriber(id)
		}
	}
	if err := b.transport.RemoveEntry(b.workCtx, id); err != nil {
		b.recordFailure("roster", err)
		b.logger.Warn("Failed to remove roster entry", "peer", id, "error", err)
	}
	b.logger.Info("Peer unsubscribed", "peer", id)
}
