package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// Subcommands
const (
	cmdRun   = "run"
	cmdStart = "start"
	cmdStop  = "stop"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	Command         string
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	LogFile         string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Empty values defer to the config file and its RUMPY_* overrides
	fs.StringVar(&cfg.ConfigPath, "config", getEnv("RUMPY_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: RUMPY_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("RUMPY_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: RUMPY_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: RUMPY_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: RUMPY_LOG_FORMAT)")
	fs.StringVar(&cfg.LogFile, "log-file", "",
		"Also write logs to this file (env: RUMPY_LOG_FILE)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("RUMPY_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Time to drain queues before in-flight work is cancelled (env: RUMPY_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs.Output(), fs) }
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Command = cmdRun
	if fs.NArg() > 0 {
		cfg.Command = fs.Arg(0)
	}
	if fs.NArg() > 1 {
		return nil, fmt.Errorf("unexpected arguments after %q: %v", cfg.Command, fs.Args()[1:])
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if !slices.Contains([]string{cmdRun, cmdStart, cmdStop}, cfg.Command) {
		return fmt.Errorf("unknown command %q: want run, start or stop", cfg.Command)
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}

	return nil
}

// childArgs rebuilds the flags a detached "run" child needs. The child's
// output is already redirected to the log file.
func childArgs(cfg *CLIConfig) []string {
	args := []string{}
	if cfg.ConfigPath != "" {
		args = append(args, "-config", cfg.ConfigPath)
	}
	if cfg.LogLevel != "" {
		args = append(args, "-log-level", cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		args = append(args, "-log-format", cfg.LogFormat)
	}
	args = append(args, "-shutdown-timeout", cfg.ShutdownTimeout.String(), cmdRun)
	return args
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - chat bot daemon

Usage: %s [options] [run|start|stop]

Commands:
  run     Run in the foreground (default)
  start   Run detached; writes <bot name>.pid and logs to <bot name>.log
  stop    Send SIGTERM to the process in the pid file

Options:
`, appName, os.Args[0])
	fs.SetOutput(w)
	fs.PrintDefaults()
	fs.SetOutput(nil)
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a config file
  %s --config=/etc/rumpy/bot.yaml

  # Start in the background and stop again
  %s -c bot.yaml start
  %s -c bot.yaml stop

  # Validate configuration only
  %s -c bot.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
