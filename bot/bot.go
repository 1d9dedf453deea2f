// Package bot is the dispatch and lifecycle engine of a chat bot.
//
// A Bot owns one transport session and one subscriber store. Every
// subscribed peer gets its own dispatch goroutine fed by an unbounded queue,
// so replies to one peer keep their order while peers proceed independently.
// All outbound stanzas pass through a single output queue drained by one
// writer goroutine, the only caller of Transport.Send.
//
// Lifecycle:
//
//	b, _ := bot.New(cfg, tr, st, bot.App{Parse: parse, Respond: respond})
//	if err := b.Start(ctx); err != nil { ... }   // connect, reconcile, register
//	...
//	_ = b.Shutdown(ctx)                           // drain and close
//
// Run combines both and shuts down when its context ends.
package bot

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/health"
	"github.com/ximik/rumpy/metric"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/pkg/buffer"
	"github.com/ximik/rumpy/store"
	"github.com/ximik/rumpy/transport"
)

// State is the lifecycle state of a Bot
type State int32

// Lifecycle states
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Messages are the fixed texts the engine sends on its own
type Messages struct {
	Welcome     string
	Authorized  string
	Stranger    string
	Unavailable string
}

// RetryPolicy paces in-place retries
type RetryPolicy struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	ExhaustionBackoff time.Duration
}

// Limits rate-limits outbound stanzas and introspection answers. A zero
// rate means unlimited.
type Limits struct {
	SendRate   float64
	SendBurst  int
	QueryRate  float64
	QueryBurst int
}

// Config configures a Bot
type Config struct {
	Name     string
	Version  string
	Identity peer.ID
	Password string
	Messages Messages
	Retry    RetryPolicy
	Limits   Limits
}

// DefaultMessages returns the stock engine texts
func DefaultMessages() Messages {
	return Messages{
		Welcome:     "hello",
		Authorized:  "You are now authorized.",
		Stranger:    "I don't know you. Add me to your contact list first.",
		Unavailable: "shutting down",
	}
}

// Bot is the engine. Create it with New.
type Bot struct {
	cfg       Config
	transport transport.Transport
	store     store.Store
	app       App

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	monitor  *health.Monitor
	sinks    []io.Closer
	now      func() time.Time

	state     atomic.Int32
	attempted atomic.Bool
	startedAt atomic.Value // time.Time
	processed atomic.Int64
	failures  atomic.Int64

	peers         *registry
	reconnects    singleflight.Group
	sendLimiter   *rate.Limiter
	queryLimiter  *rate.Limiter
	output        buffer.Queue[outputItem]
	writerStarted bool
	writerDone    chan struct{}

	// workCtx bounds retries and application calls; it ends only when a
	// shutdown runs out of time or after the drain completed.
	workCtx    context.Context
	cancelWork context.CancelFunc

	pollerCancel context.CancelFunc
	pollerDone   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

// New validates cfg and wires the engine. It does not touch the network.
func New(cfg Config, tr transport.Transport, st store.Store, app App, opts ...Option) (*Bot, error) {
	switch {
	case tr == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Bot", "New", "check transport")
	case st == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Bot", "New", "check store")
	case app.Respond == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Bot", "New", "check respond function")
	}
	if cfg.Identity.IsZero() {
		return nil, errors.WrapFatal(errors.ErrInvalidPeer, "Bot", "New", "check identity")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Identity.Local()
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = 10 * time.Millisecond
	}
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		cfg.Retry.MaxDelay = 2 * time.Second
	}
	if cfg.Retry.ExhaustionBackoff <= 0 {
		cfg.Retry.ExhaustionBackoff = time.Second
	}

	b := &Bot{
		cfg:          cfg,
		transport:    tr,
		store:        st,
		app:          app,
		logger:       slog.Default(),
		monitor:      health.NewMonitor(),
		now:          time.Now,
		peers:        newRegistry(),
		sendLimiter:  newLimiter(cfg.Limits.SendRate, cfg.Limits.SendBurst),
		queryLimiter: newLimiter(cfg.Limits.QueryRate, cfg.Limits.QueryBurst),
		writerDone:   make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metric.NewMetrics()
	}
	b.logger = b.logger.With("component", "bot", "bot", cfg.Name)
	b.startedAt.Store(time.Time{})
	b.workCtx, b.cancelWork = context.WithCancel(context.Background())

	var queueOpts []buffer.Option[outputItem]
	if b.registry != nil {
		queueOpts = append(queueOpts, buffer.WithMetrics[outputItem](b.registry, "output"))
	}
	output, err := buffer.NewQueue[outputItem](queueOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Bot", "New", "create output queue")
	}
	b.output = output
	b.monitor.SetDegraded("engine", StateStopped.String())
	return b, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}

// Name returns the bot name
func (b *Bot) Name() string {
	return b.cfg.Name
}

// State returns the lifecycle state
func (b *Bot) State() State {
	return State(b.state.Load())
}

// ActivePeers returns the peers with a dispatch queue
func (b *Bot) ActivePeers() []peer.ID {
	return b.peers.Peers()
}

// Done is closed once Shutdown completed
func (b *Bot) Done() <-chan struct{} {
	return b.stopped
}

// Uptime returns the time since Start succeeded, or 0
func (b *Bot) Uptime() time.Duration {
	started := b.startedAt.Load().(time.Time)
	if started.IsZero() {
		return 0
	}
	return b.now().Sub(started)
}

// Start connects, authenticates, reconciles the roster with the store and
// registers the event handlers. A Bot starts at most once. A failure leaves
// nothing running; its error is classified fatal unless it is a transient
// connection failure.
func (b *Bot) Start(ctx context.Context) error {
	if !b.attempted.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bot", "Start", "check state")
	}
	b.state.Store(int32(StateStarting))
	b.monitor.SetDegraded("engine", StateStarting.String())

	if err := b.start(ctx); err != nil {
		b.abortStart()
		b.state.Store(int32(StateStopped))
		b.monitor.SetUnhealthy("engine", "start failed")
		b.logger.Error("Start failed", "error", err)
		return err
	}

	b.startedAt.Store(b.now())
	b.state.Store(int32(StateRunning))
	b.monitor.SetHealthy("engine", StateRunning.String())
	b.logger.Info("Bot started", "identity", b.cfg.Identity, "peers", b.peers.Len())
	return nil
}

func (b *Bot) start(ctx context.Context) error {
	if err := b.connect(ctx); err != nil {
		return err
	}

	b.writerStarted = true
	go b.runWriter()
	b.enqueue(transport.Presence("", transport.PresenceAvailable, ""))

	if err := b.reconcile(ctx); err != nil {
		return err
	}

	err := b.transport.Register(transport.Handlers{
		OnMessage:             b.onMessage,
		OnSubscriptionRequest: b.onSubscriptionRequest,
		OnSubscriptionChanged: b.onSubscriptionChanged,
		OnIntrospection:       b.onIntrospection,
	})
	if err != nil {
		return errors.WrapFatal(err, "Bot", "Start", "register handlers")
	}

	if b.app.Backend != nil {
		b.startPoller()
	}
	return nil
}

// abortStart tears down whatever start managed to launch
func (b *Bot) abortStart() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.cancelWork()
	b.peers.HaltAll()
	_ = b.peers.WaitEmpty(ctx)
	if b.writerStarted {
		_ = b.output.Push(outputItem{halt: true})
		select {
		case <-b.writerDone:
		case <-ctx.Done():
		}
	}
	_ = b.output.Close()
	if err := b.transport.Close(ctx); err != nil {
		b.logger.Debug("Close transport after failed start", "error", err)
	}
}

// Run starts the bot, waits for ctx to end and shuts down
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.logger.Info("Shutdown requested", "reason", context.Cause(ctx))
	return b.Shutdown(context.Background())
}

// Health aggregates the engine state with the registered subsystem checks
func (b *Bot) Health() health.Status {
	status := b.monitor.Snapshot(b.cfg.Name)
	return status.WithMetrics(&health.Metrics{
		Uptime:            b.Uptime(),
		ErrorCount:        int(b.failures.Load()),
		ActivePeers:       b.peers.Len(),
		MessagesProcessed: b.processed.Load(),
	})
}

// enqueue hands a stanza to the output writer. It never blocks.
func (b *Bot) enqueue(s transport.Stanza) {
	if err := b.output.Push(outputItem{stanza: s}); err != nil {
		b.logger.Warn("Output queue closed, dropping stanza", "to", s.To, "kind", s.Kind)
		return
	}
	b.metrics.SetOutputQueueDepth(b.output.Len())
}

func (b *Bot) recordFailure(stage string, err error) {
	b.failures.Add(1)
	b.metrics.RecordError(stage, errors.Classify(err).String())
}
