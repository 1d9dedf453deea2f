package bot

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
	"github.com/ximik/rumpy/transport"
)

// reconcile makes the roster and the store agree before any event is
// delivered. A peer keeps its subscription only when it is mutually
// subscribed in the roster and has a stored record; everything else is
// removed from both sides. Survivors get a dispatch queue.
func (b *Bot) reconcile(ctx context.Context) error {
	defer b.store.ReleasePooledConnection()

	var entries []transport.RosterEntry
	subscribers := make(map[peer.ID]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = b.transport.Roster(gctx)
		if err != nil {
			return errors.WrapFatal(err, "Bot", "reconcile", "read roster")
		}
		return nil
	})
	g.Go(func() error {
		err := b.withStartupRecovery(gctx, "reconcile", func() error {
			clear(subscribers)
			return b.store.ForEach(gctx, func(s *store.Subscriber) error {
				subscribers[s.Peer] = true
				return nil
			})
		})
		if err != nil {
			return errors.WrapFatal(err, "Bot", "reconcile", "list subscribers")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	mutual := make(map[peer.ID]bool)
	var removed int
	for _, e := range entries {
		if e.State == transport.StateBoth && subscribers[e.Peer] {
			mutual[e.Peer] = true
			continue
		}
		if err := b.transport.RemoveEntry(ctx, e.Peer); err != nil {
			return errors.WrapFatal(err, "Bot", "reconcile", "remove roster entry")
		}
		removed++
		b.logger.Info("Removed roster entry without subscription", "peer", e.Peer, "state", e.State)
	}

	var destroyed int
	for id := range subscribers {
		if mutual[id] {
			continue
		}
		err := b.withStartupRecovery(ctx, "reconcile", func() error {
			return b.store.Destroy(ctx, id)
		})
		if err != nil {
			return errors.WrapFatal(err, "Bot", "reconcile", "destroy orphaned subscriber")
		}
		destroyed++
		b.logger.Info("Removed subscriber without roster entry", "peer", id)
	}

	for id := range mutual {
		b.startWorker(id)
	}

	b.logger.Info("Roster reconciled",
		"subscribed", len(mutual), "roster_removed", removed, "store_removed", destroyed)
	return nil
}
