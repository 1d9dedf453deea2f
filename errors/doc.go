// Package errors provides the error classification used across rumpy.
//
// # Overview
//
// Every failure the engine can recover from falls in one of two classes, and
// everything else is dropped:
//
//   - Transient: a broken or stale connection (store or transport). The
//     caller invokes the owner's reconnect action and retries the exact same
//     operation.
//   - Exhausted: a saturated resource such as a full connection pool. The
//     caller waits a fixed delay and retries.
//   - Invalid: bad input, bad configuration or an application error. Logged
//     with context; the triggering item is dropped.
//   - Fatal: unrecoverable; aborts startup.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// The classification-aware wrappers attach a class to the chain:
//
//	errors.WrapTransient(err, "KVStore", "FindByIdentity", "get record")
//	errors.WrapExhausted(err, "KVStore", "Create", "create record")
//	errors.WrapInvalid(err, "Config", "Validate", "check bot identity")
//	errors.WrapFatal(err, "Bot", "Start", "reconcile roster")
//
// Plain Wrap preserves the class of the wrapped error, so classification
// survives additional context:
//
//	wrapped := errors.Wrap(errors.ErrConnectionLost, "Dispatcher", "process", "find subscriber")
//	errors.IsTransient(wrapped) // true
//
// # Classification
//
// Errors are classified by type, never by message text. Adapters that talk to
// third-party clients translate those clients' errors into a class at the
// boundary (see store/kvstore and transport/natstransport). An error with no
// class is treated as invalid.
package errors
