package bot

import (
	"context"

	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/pkg/retry"
	"github.com/ximik/rumpy/transport"
)

// startPoller runs the backend loop until Shutdown stops it
func (b *Bot) startPoller() {
	ctx, cancel := context.WithCancel(b.workCtx)
	b.pollerCancel = cancel
	b.pollerDone = make(chan struct{})
	go b.runPoller(ctx)
}

func (b *Bot) runPoller(ctx context.Context) {
	defer close(b.pollerDone)
	for ctx.Err() == nil {
		var out []Outgoing
		err := b.withRecovery(ctx, "backend", func() error {
			return safely("backend", func() error {
				var perr error
				out, perr = b.app.Backend(ctx)
				return perr
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.recordFailure("backend", err)
			b.logger.Warn("Backend poll failed", "error", err)
			_ = retry.Sleep(ctx, b.cfg.Retry.InitialDelay)
			continue
		}

		for _, o := range out {
			to, err := peer.Normalize(o.To.String())
			if err != nil || o.Text == "" {
				b.logger.Warn("Skipping backend message", "to", o.To, "error", err)
				continue
			}
			b.enqueue(transport.Chat(to, o.Text))
		}
	}
}

// stopPoller cancels the backend loop and waits for it
func (b *Bot) stopPoller(ctx context.Context) {
	if b.pollerCancel == nil {
		return
	}
	b.pollerCancel()
	select {
	case <-b.pollerDone:
	case <-ctx.Done():
		b.logger.Warn("Backend did not stop in time")
	}
}
