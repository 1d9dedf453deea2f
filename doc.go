// Package rumpy is a framework for chat bots that hold a long-lived session
// with a chat service and answer every subscribed peer with its own ordered
// conversation.
//
// # Model
//
// A bot authenticates once, then speaks for one identity. Peers become
// subscribers through a mutual presence subscription: the bot accepts the
// request, subscribes back and creates a subscriber record that survives
// restarts. Chat messages from subscribers are parsed and answered by the
// application; messages from anyone else get a fixed stranger reply.
// Unsubscribing removes the record and the roster entry.
//
// The application supplies two functions:
//
//	app := bot.App{
//	    Parse:   func(body string) (any, error) { ... },
//	    Respond: func(ctx context.Context, sub *store.Subscriber, parsed any) (string, error) { ... },
//	}
//
// Respond may read and change sub's fields; changed fields are saved before
// the reply is sent. An optional Backend function is polled for messages the
// bot sends on its own initiative.
//
// # Concurrency
//
// Each subscriber has a dispatch goroutine fed by an unbounded queue, so a
// slow reply to one peer never delays another and replies to one peer keep
// the order of its messages. Every outbound stanza goes through a single
// output queue drained by one writer goroutine.
//
// Store and transport failures are classified (see package errors). Transient
// failures are retried with exponential backoff and a reconnect between
// attempts; exhausted resources back off for a fixed interval; invalid input
// is dropped with a log line; fatal errors stop startup.
//
// # Packages
//
//	bot                     dispatch engine, lifecycle and shutdown
//	peer                    bare peer identifiers
//	store                   subscriber records and the Store interface
//	store/memory            in-process store
//	store/kvstore           JetStream KV store
//	transport               stanzas and the Transport interface
//	transport/memory        in-process transport for tests
//	transport/natstransport chat over NATS subjects, roster in JetStream KV
//	transport/wsclient      chat over a JSON WebSocket gateway
//	natsclient              NATS connection with circuit breaker and KV helpers
//	config                  layered JSON/YAML configuration with schema checks
//	daemon                  detached start and stop with a pid file
//	metric                  Prometheus registry, core metrics and HTTP server
//	health                  component health aggregation
//	errors                  error classes and wrapping helpers
//	pkg/retry               exponential backoff with recovery hooks
//	pkg/buffer              unbounded FIFO queue with metrics
//
// # Binary
//
// cmd/rumpy runs a demo bot (ping, count, name, echo):
//
//	rumpy -c bot.yaml           # foreground
//	rumpy -c bot.yaml start     # detached, writes <name>.pid and <name>.log
//	rumpy -c bot.yaml stop
package rumpy
