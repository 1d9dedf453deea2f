package bot

import (
	"context"
	stderrors "errors"
	"maps"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
	"github.com/ximik/rumpy/transport"
)

// startWorker creates the dispatch queue of id and its goroutine. It reports
// false when id already has a queue or the dispatch queues are halted.
func (b *Bot) startWorker(id peer.ID) bool {
	q, created := b.peers.CreateFor(id)
	if !created {
		return false
	}
	b.metrics.SetPeersActive(b.peers.Len())
	go b.runWorker(q)
	return true
}

// runWorker consumes one peer's queue until a sentinel arrives
func (b *Bot) runWorker(q *dispatchQueue) {
	logger := b.logger.With("peer", q.peer)
	defer func() {
		b.peers.RemoveFor(q.peer, q)
		b.metrics.SetPeersActive(b.peers.Len())
		logger.Debug("Dispatch worker stopped")
	}()
	logger.Debug("Dispatch worker started")

	for {
		item, err := q.items.Pop(context.Background())
		if err != nil {
			return
		}

		switch item.kind {
		case itemHalt:
			return
		case itemUnsubscribe:
			b.destroySubscriber(q.peer)
			return
		case itemPayload:
			b.process(q.peer, item.msg)
		}
	}
}

// process runs parse and respond for one message and enqueues the reply.
// Failures are logged and the message is dropped.
func (b *Bot) process(id peer.ID, msg transport.Message) {
	ctx := b.workCtx
	start := b.now()

	var reply string
	err := b.withRecovery(ctx, "dispatch", func() error {
		sub, err := b.store.FindByIdentity(ctx, id)
		if err != nil {
			return err
		}

		var parsed any
		err = safely("parse", func() error {
			var perr error
			parsed, perr = b.app.parse(msg.Body)
			return perr
		})
		if err != nil {
			return errors.WrapInvalid(err, "Bot", "process", "parse message")
		}

		before := maps.Clone(sub.Fields)
		err = safely("respond", func() error {
			var rerr error
			reply, rerr = b.app.Respond(ctx, sub, parsed)
			return rerr
		})
		if err != nil {
			return err
		}

		if !maps.Equal(before, sub.Fields) {
			return b.store.Save(ctx, sub)
		}
		return nil
	})
	b.metrics.RecordProcessingDuration("dispatch", b.now().Sub(start))
	b.processed.Add(1)

	if err != nil {
		status := "failed"
		if stderrors.Is(err, store.ErrNotFound) {
			status = "orphaned"
		}
		b.metrics.RecordMessageProcessed(status)
		b.recordFailure("dispatch", err)
		b.logger.Error("Dropping message", "peer", id, "message_id", msg.ID, "error", err)
		return
	}

	b.metrics.RecordMessageProcessed("ok")
	if reply == "" {
		return
	}
	b.enqueue(transport.Chat(id, reply))
}

// destroySubscriber removes the record of id, retrying storage failures
func (b *Bot) destroySubscriber(id peer.ID) {
	err := b.withRecovery(b.workCtx, "unsubscribe", func() error {
		return b.store.Destroy(b.workCtx, id)
	})
	if err != nil {
		b.recordFailure("unsubscribe", err)
		b.logger.Error("Failed to destroy subscriber", "peer", id, "error", err)
		return
	}
	b.logger.Info("Subscriber removed", "peer", id)
}
