// Package natsclient wraps the NATS Go client for the bot's NATS transport and
// its JetStream KV subscriber store.
//
// # Connection lifecycle
//
// A Client moves through Disconnected → Connecting → Connected, and to
// Reconnecting while the underlying connection recovers on its own. After a
// threshold of consecutive failed Connect calls (default 5) the circuit opens:
// Connect fails fast with ErrCircuitOpen until the backoff elapses, and the
// backoff doubles on every further round up to a maximum.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("rumpy"),
//	    natsclient.WithCredentials(user, pass),
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// # Errors
//
// Every error returned by this package carries a class from the errors
// package. ClassifyError maps NATS and JetStream failures: closed, draining or
// reconnecting connections, timeouts and missing buckets are transient;
// exceeded server resources are exhausted; authorization failures are fatal;
// everything else is invalid. Callers above this package never inspect NATS
// errors directly.
//
// # Key-Value
//
// CreateKeyValueBucket opens a bucket and creates it when it is missing,
// tolerating a concurrent creator. KVStore adds per-operation timeouts,
// Create/Update CAS semantics and UpdateWithRetry for read-modify-write under
// contention:
//
//	kv := client.NewKVStore(bucket)
//	err := kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
//	    return next(current)
//	})
//
// # Metrics
//
// WithMetrics reports the connection state on the registry's
// transport_connected gauge and polls the value count and size of every
// bucket opened through the client.
//
// # Testing
//
// TestClient starts a NATS server in a container (testcontainers-go) and
// connects a Client to it. Integration tests using it are guarded by the
// "integration" build tag.
package natsclient
