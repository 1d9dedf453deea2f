// Package main implements the rumpy command: a chat bot that answers its
// subscribers over NATS or a WebSocket chat gateway and keeps their state in
// a JetStream KV bucket.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ximik/rumpy/bot"
	"github.com/ximik/rumpy/config"
	"github.com/ximik/rumpy/daemon"
	"github.com/ximik/rumpy/health"
	"github.com/ximik/rumpy/metric"
	"github.com/ximik/rumpy/natsclient"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
	"github.com/ximik/rumpy/store/kvstore"
	storemem "github.com/ximik/rumpy/store/memory"
	"github.com/ximik/rumpy/transport"
	"github.com/ximik/rumpy/transport/natstransport"
	"github.com/ximik/rumpy/transport/wsclient"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rumpy"
)

var errNotRunning = stderrors.New("bot is not running: no pid file")

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		cli.usage()
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	switch cli.Command {
	case cmdStart:
		return startDetached(cli, cfg)
	case cmdStop:
		return stopDetached(cfg)
	default:
		return runForeground(cli, cfg)
	}
}

// loadConfig merges defaults, the config file, RUMPY_* variables and flags
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.LogFile != "" {
		cfg.Log.File = cli.LogFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func startDetached(cli *CLIConfig, cfg *config.Config) error {
	logFile := cfg.DefaultLogFile()
	pid, err := daemon.Start(daemon.Options{
		PidFile: cfg.PidFile(),
		Args:    childArgs(cli),
		LogFile: logFile,
	}, nil)
	if err != nil {
		return fmt.Errorf("start %s: %w", cfg.Bot.Name, err)
	}
	fmt.Printf("%s started (pid %d, log %s)\n", cfg.Bot.Name, pid, logFile)
	return nil
}

func stopDetached(cfg *config.Config) error {
	stopped, err := daemon.Stop(cfg.PidFile(), nil)
	if err != nil {
		return fmt.Errorf("stop %s: %w", cfg.Bot.Name, err)
	}
	if !stopped {
		return errNotRunning
	}
	fmt.Printf("%s stopped\n", cfg.Bot.Name)
	return nil
}

// runForeground runs the bot until SIGINT or SIGTERM
func runForeground(cli *CLIConfig, cfg *config.Config) error {
	logger, sink, err := setupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("Starting rumpy", "bot", cfg.Bot.Name, "identity", cfg.Bot.Identity,
		"transport", cfg.Transport.Type, "store", cfg.Store.Type, "build_time", BuildTime)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := metric.NewMetricsRegistry()

	var nc *natsclient.Client
	if cfg.Transport.Type == config.TransportNATS || cfg.Store.Type == config.StoreKV {
		nc, err = connectNATS(ctx, cfg, cli.ShutdownTimeout, registry, logger)
		if err != nil {
			closeSink(sink)
			return err
		}
		defer func() { _ = nc.Close(context.Background()) }()
	}

	st, err := buildStore(ctx, cfg, nc, registry, logger)
	if err != nil {
		closeSink(sink)
		return err
	}
	tr, err := buildTransport(cfg, nc, registry, logger)
	if err != nil {
		closeSink(sink)
		return err
	}

	opts := []bot.Option{
		bot.WithLogger(logger),
		bot.WithMetrics(registry),
		bot.WithLogSink(sink),
	}
	if nc != nil {
		opts = append(opts, bot.WithHealthCheck("nats", func() health.Status {
			if nc.IsHealthy() {
				if rtt, err := nc.RTT(); err == nil {
					return health.NewHealthy("nats", fmt.Sprintf("%s (rtt %s)", nc.Status(), rtt.Round(time.Microsecond)))
				}
				return health.NewHealthy("nats", nc.Status().String())
			}
			return health.NewDegraded("nats", nc.Status().String())
		}))
	}

	b, err := bot.New(botConfig(cfg), tr, st, demoApp(), opts...)
	if err != nil {
		closeSink(sink)
		return err
	}

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, registry, b.Health)
		if err := srv.Start(); err != nil {
			closeSink(sink)
			return err
		}
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Stop(stopCtx)
		}()
	}

	if err := b.Start(ctx); err != nil {
		_ = b.Shutdown(context.Background())
		return fmt.Errorf("start bot: %w", err)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer shutdownCancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("Rumpy shutdown complete")
	return nil
}

func botConfig(cfg *config.Config) bot.Config {
	return bot.Config{
		Name:     cfg.Bot.Name,
		Version:  Version,
		Identity: peer.ID(cfg.Bot.Identity),
		Password: cfg.Bot.Password,
		Messages: bot.Messages{
			Welcome:     cfg.Messages.Welcome,
			Authorized:  cfg.Messages.Authorized,
			Stranger:    cfg.Messages.Stranger,
			Unavailable: cfg.Messages.Unavailable,
		},
		Retry: bot.RetryPolicy{
			InitialDelay:      cfg.Retry.InitialDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
			ExhaustionBackoff: cfg.Retry.ExhaustionBackoff,
		},
		Limits: bot.Limits{
			SendRate:   cfg.Limits.SendRate,
			SendBurst:  cfg.Limits.SendBurst,
			QueryRate:  cfg.Limits.QueryRate,
			QueryBurst: cfg.Limits.QueryBurst,
		},
	}
}

// connectNATS dials the NATS servers and waits for the connection
func connectNATS(ctx context.Context, cfg *config.Config, drain time.Duration,
	registry *metric.MetricsRegistry, logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Bot.Name),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(registry),
		natsclient.WithDrainTimeout(drain),
		natsclient.WithDisconnectCallback(func(err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			logger.Info("NATS reconnected")
		}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			logger.Debug("NATS health changed", "healthy", healthy)
		}),
	}
	if cfg.NATS.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.NATS.PingInterval))
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.NATS.ConnectTimeout))
	}
	if cfg.NATS.CircuitThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(int32(cfg.NATS.CircuitThreshold)))
	}
	if cfg.NATS.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(cfg.NATS.MaxBackoff))
	}
	if cfg.NATS.MetricsInterval > 0 {
		opts = append(opts, natsclient.WithMetricsInterval(cfg.NATS.MetricsInterval))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	nc, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nc, nil
}

func buildStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client,
	registry *metric.MetricsRegistry, logger *slog.Logger,
) (store.Store, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return storemem.New(), nil
	default:
		st, err := kvstore.New(ctx, nc, kvstore.Config{
			Bucket:   cfg.Store.Bucket,
			Replicas: cfg.Store.Replicas,
		}, kvstore.WithLogger(logger), kvstore.WithMetrics(registry.CoreMetrics()))
		if err != nil {
			return nil, fmt.Errorf("open subscriber store: %w", err)
		}
		return st, nil
	}
}

func buildTransport(
	cfg *config.Config, nc *natsclient.Client,
	registry *metric.MetricsRegistry, logger *slog.Logger,
) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case config.TransportWebSocket:
		wsCfg := wsclient.DefaultConfig(cfg.WebSocket.URL)
		if cfg.WebSocket.HandshakeTimeout > 0 {
			wsCfg.HandshakeTimeout = cfg.WebSocket.HandshakeTimeout
		}
		if cfg.WebSocket.RequestTimeout > 0 {
			wsCfg.RequestTimeout = cfg.WebSocket.RequestTimeout
		}
		if cfg.WebSocket.PingInterval > 0 {
			wsCfg.PingInterval = cfg.WebSocket.PingInterval
		}
		return wsclient.New(wsCfg, wsclient.WithLogger(logger), wsclient.WithMetrics(registry.CoreMetrics()))
	default:
		return natstransport.New(nc, natstransport.Config{
			Prefix:   cfg.Transport.Prefix,
			Replicas: cfg.Store.Replicas,
		}, natstransport.WithLogger(logger))
	}
}

func closeSink(sink io.Closer) {
	if sink != nil {
		_ = sink.Close()
	}
}
