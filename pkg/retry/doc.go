// Package retry provides exponential backoff retry logic for recoverable failures.
//
// # Overview
//
// The retry loop re-runs the exact same operation until it succeeds, the
// attempt budget runs out, a RecoverFunc gives up, or the context is
// cancelled. Callers decide what counts as recoverable; the loop only knows
// about NonRetryable errors, which end it immediately.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithRecovery: Same as Do, running a recovery action between attempts
//   - DoWithResult: Execute function with retry, returns both result and error
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (startup connections)
//   - Unbounded(): no attempt limit, 10ms-2s delay (store operations on the dispatch path)
//
// # Usage Examples
//
// Startup connection with quick retries:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Store operation that reconnects on transient failures:
//
//	err := retry.DoWithRecovery(ctx, retry.Unbounded(), func() error {
//	    return store.Destroy(ctx, sub)
//	}, func(ctx context.Context, attempt int, err error) error {
//	    if !errs.IsTransient(err) {
//	        return err
//	    }
//	    return nil // reconnect here
//	})
//
// A negative MaxAttempts means unbounded; zero runs the operation once.
package retry
