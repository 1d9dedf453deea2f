package bot

import (
	"context"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/pkg/retry"
	"github.com/ximik/rumpy/transport"
)

// runWriter is the only caller of Transport.Send. It drains the output queue
// in order and exits on the halt sentinel.
func (b *Bot) runWriter() {
	defer close(b.writerDone)
	for {
		item, err := b.output.Pop(context.Background())
		if err != nil {
			return
		}
		b.metrics.SetOutputQueueDepth(b.output.Len())
		if item.halt {
			return
		}
		if item.stanza.IsEmpty() {
			b.logger.Warn("Skipping empty stanza", "kind", item.stanza.Kind, "to", item.stanza.To)
			continue
		}
		b.send(item.stanza)
	}
}

// send writes one stanza, waiting out transient transport failures
func (b *Bot) send(s transport.Stanza) {
	ctx := b.workCtx
	if err := b.sendLimiter.Wait(ctx); err != nil {
		b.recordFailure("output", err)
		b.logger.Error("Dropping stanza", "to", s.To, "kind", s.Kind, "error", err)
		return
	}
	err := retry.DoWithRecovery(ctx, b.retryConfig(false), func() error {
		return retryable(b.transport.Send(ctx, s))
	}, func(ctx context.Context, attempt int, err error) error {
		if errors.IsExhausted(err) {
			b.metrics.RecordRetry("exhausted")
			return retry.Sleep(ctx, b.cfg.Retry.ExhaustionBackoff)
		}
		b.metrics.RecordRetry("send")
		if attempt == 1 {
			b.metrics.RecordTransportStatus(false)
			b.logger.Warn("Send failed, waiting for transport", "to", s.To, "error", err)
		}
		return nil
	})
	if err != nil {
		err = unwrapRetry(err)
		b.recordFailure("output", err)
		b.logger.Error("Dropping stanza", "to", s.To, "kind", s.Kind, "error", err)
		return
	}
	b.metrics.RecordTransportStatus(true)
	b.metrics.RecordStanzaSent(string(s.Kind))
}
