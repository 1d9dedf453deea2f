package bot

import (
	"context"
	stderrors "errors"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/transport"
)

type syncer interface {
	Sync() error
}

// Shutdown stops the bot gracefully. Queued messages are processed and their
// replies delivered before the session closes. When ctx ends first, in-flight
// retries and application calls are cancelled and the drain continues with
// whatever is left. Shutdown is idempotent.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bot) shutdown(ctx context.Context) error {
	defer close(b.stopped)

	if b.State() != StateRunning {
		b.cancelWork()
		return b.closeSinks()
	}

	b.state.Store(int32(StateStopping))
	b.monitor.SetDegraded("engine", StateStopping.String())
	b.logger.Info("Shutting down", "peers", b.peers.Len(), "output_queued", b.output.Len())

	b.stopPoller(ctx)
	b.enqueue(transport.Presence("", transport.PresenceUnavailable, b.cfg.Messages.Unavailable))

	halted := b.peers.HaltAll()
	b.waitDrain(ctx, "dispatch queues", func(c context.Context) error {
		return b.peers.WaitEmpty(c)
	})

	_ = b.output.Push(outputItem{halt: true})
	b.waitDrain(ctx, "output queue", func(c context.Context) error {
		select {
		case <-b.writerDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	_ = b.output.Close()

	var errs []error
	if err := b.transport.Close(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, errors.Wrap(err, "Bot", "Shutdown", "close transport"))
	}
	b.metrics.RecordTransportStatus(false)

	b.state.Store(int32(StateStopped))
	b.monitor.SetUnhealthy("engine", StateStopped.String())
	b.cancelWork()
	b.logger.Info("Bot stopped", "halted_peers", halted, "processed", b.processed.Load())

	if err := b.closeSinks(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// waitDrain waits for wait to finish. When ctx ends first it cancels the
// work context and waits for the cancelled work to unwind.
func (b *Bot) waitDrain(ctx context.Context, what string, wait func(context.Context) error) {
	if err := wait(ctx); err == nil {
		return
	}
	b.logger.Warn("Shutdown deadline reached, cancelling in-flight work", "waiting_for", what)
	b.cancelWork()
	_ = wait(context.Background())
}

// closeSinks syncs and closes the log sinks. It runs last.
func (b *Bot) closeSinks() error {
	var errs []error
	for _, sink := range b.sinks {
		if s, ok := sink.(syncer); ok {
			if err := s.Sync(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.sinks = nil
	return stderrors.Join(errs...)
}
