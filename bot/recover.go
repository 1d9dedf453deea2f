package bot

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/health"
	"github.com/ximik/rumpy/pkg/retry"
	"github.com/ximik/rumpy/transport"
)

// retryable keeps transient and exhausted failures in the retry loop and
// ends it for everything else.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	switch errors.Classify(err) {
	case errors.ErrorTransient, errors.ErrorExhausted:
		return err
	default:
		return retry.NonRetryable(err)
	}
}

// unwrapRetry strips the retry package's wrappers from a final error
func unwrapRetry(err error) error {
	var nre *retry.NonRetryableError
	if stderrors.As(err, &nre) {
		return nre.Err
	}
	return err
}

func (b *Bot) retryConfig(bounded bool) retry.Config {
	cfg := retry.Unbounded()
	if bounded {
		cfg = retry.Quick()
	}
	cfg.InitialDelay = b.cfg.Retry.InitialDelay
	cfg.MaxDelay = b.cfg.Retry.MaxDelay
	return cfg
}

// storeRecovery reconnects the store after a transient failure and waits the
// fixed backoff after an exhausted one.
func (b *Bot) storeRecovery(stage string) retry.RecoverFunc {
	return func(ctx context.Context, attempt int, err error) error {
		if errors.IsExhausted(err) {
			b.metrics.RecordRetry("exhausted")
			b.logger.Warn("Resource exhausted, backing off", "stage", stage, "attempt", attempt,
				"backoff", b.cfg.Retry.ExhaustionBackoff, "error", err)
			return retry.Sleep(ctx, b.cfg.Retry.ExhaustionBackoff)
		}

		b.metrics.RecordRetry("transient")
		b.logger.Warn("Transient store failure, reconnecting", "stage", stage, "attempt", attempt, "error", err)
		// Workers failing together share one reconnect.
		_, rerr, _ := b.reconnects.Do("store", func() (any, error) {
			return nil, b.store.Reconnect(ctx)
		})
		if rerr != nil {
			b.logger.Warn("Store reconnect failed", "stage", stage, "error", rerr)
			if !errors.IsTransient(rerr) && !errors.IsExhausted(rerr) {
				return rerr
			}
		}
		return nil
	}
}

// withRecovery runs fn until it succeeds or fails with an error that is
// neither transient nor exhausted. Transient failures reconnect the store.
func (b *Bot) withRecovery(ctx context.Context, stage string, fn func() error) error {
	return b.recoverLoop(ctx, b.retryConfig(false), stage, fn)
}

// withStartupRecovery is withRecovery with a bounded number of attempts
func (b *Bot) withStartupRecovery(ctx context.Context, stage string, fn func() error) error {
	return b.recoverLoop(ctx, b.retryConfig(true), stage, fn)
}

func (b *Bot) recoverLoop(ctx context.Context, cfg retry.Config, stage string, fn func() error) error {
	recovered := false
	recoverFn := b.storeRecovery(stage)
	err := retry.DoWithRecovery(ctx, cfg, func() error {
		return retryable(fn())
	}, func(ctx context.Context, attempt int, err error) error {
		if !recovered {
			recovered = true
			b.monitor.Set("store", health.FromError("store", err, true))
		}
		return recoverFn(ctx, attempt, err)
	})
	err = unwrapRetry(err)

	// Only a run that had to recover says anything about the store.
	if recovered {
		b.monitor.Set("store", health.FromError("store", err, errors.IsTransient(err) || errors.IsExhausted(err)))
	}
	return err
}

// connect opens and authenticates the session, retrying transient failures a
// bounded number of times.
func (b *Bot) connect(ctx context.Context) error {
	creds := transport.Credentials{Identity: b.cfg.Identity, Password: b.cfg.Password}

	steps := []struct {
		action string
		fn     func() error
	}{
		{"connect transport", func() error { return b.transport.Connect(ctx) }},
		{"authenticate", func() error { return b.transport.Authenticate(ctx, creds) }},
	}
	for _, step := range steps {
		err := retry.DoWithRecovery(ctx, b.retryConfig(true), func() error {
			return retryable(step.fn())
		}, func(_ context.Context, attempt int, err error) error {
			b.metrics.RecordRetry("connect")
			b.logger.Warn("Transport setup failed, retrying", "step", step.action, "attempt", attempt, "error", err)
			return nil
		})
		if err != nil {
			err = unwrapRetry(err)
			if errors.IsTransient(err) {
				return errors.Wrap(err, "Bot", "Start", step.action)
			}
			return errors.WrapFatal(err, "Bot", "Start", step.action)
		}
	}
	b.metrics.RecordTransportStatus(true)
	return nil
}

// safely runs fn and turns a panic into an invalid error
func safely(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapInvalid(fmt.Errorf("panic: %v\n%s", r, debug.Stack()), "Bot", stage, "run application code")
		}
	}()
	return fn()
}
