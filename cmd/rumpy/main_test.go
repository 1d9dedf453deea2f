package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/bot"
	"github.com/ximik/rumpy/config"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("RUMPY_CONFIG", "")
	t.Setenv("RUMPY_SHUTDOWN_TIMEOUT", "")

	tests := []struct {
		name    string
		args    []string
		command string
		wantErr bool
	}{
		{"default command", nil, cmdRun, false},
		{"start", []string{"-c", "bot.yaml", "start"}, cmdStart, false},
		{"stop", []string{"stop"}, cmdStop, false},
		{"extra arguments", []string{"stop", "now"}, "", true},
		{"unknown flag", []string{"-nope"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, err := parseFlags(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.command, cli.Command)
			assert.Equal(t, 30*time.Second, cli.ShutdownTimeout)
		})
	}
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("RUMPY_CONFIG", "/etc/rumpy/bot.yaml")
	t.Setenv("RUMPY_SHUTDOWN_TIMEOUT", "5s")

	cli, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/rumpy/bot.yaml", cli.ConfigPath)
	assert.Equal(t, 5*time.Second, cli.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "bot.json")
	require.NoError(t, os.WriteFile(existing, []byte("{}"), 0o600))

	valid := func() *CLIConfig {
		return &CLIConfig{Command: cmdRun, ConfigPath: existing, ShutdownTimeout: time.Second}
	}

	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr string
	}{
		{"valid", func(*CLIConfig) {}, ""},
		{"unknown command", func(c *CLIConfig) { c.Command = "restart" }, "unknown command"},
		{"missing config", func(c *CLIConfig) { c.ConfigPath = "/nonexistent/bot.yaml" }, "config file not found"},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "trace" }, "invalid log level"},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }, "invalid log format"},
		{"bad timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }, "invalid shutdown timeout"},
		{"version skips checks", func(c *CLIConfig) { c.Command = "bogus"; c.ShowVersion = true }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := valid()
			tt.mutate(cli)
			err := validateFlags(cli)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestChildArgs(t *testing.T) {
	cli := &CLIConfig{ConfigPath: "bot.yaml", LogLevel: "debug", ShutdownTimeout: 10 * time.Second}
	assert.Equal(t,
		[]string{"-config", "bot.yaml", "-log-level", "debug", "-shutdown-timeout", "10s", "run"},
		childArgs(cli))

	// The child must parse back to the same settings.
	parsed, err := parseFlags(childArgs(cli))
	require.NoError(t, err)
	assert.Equal(t, cmdRun, parsed.Command)
	assert.Equal(t, "bot.yaml", parsed.ConfigPath)
	assert.Equal(t, "debug", parsed.LogLevel)
	assert.Equal(t, 10*time.Second, parsed.ShutdownTimeout)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	content := `
bot:
  name: echo
  identity: Echo@Example.org
store:
  type: memory
log:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := loadConfig(&CLIConfig{ConfigPath: path, LogLevel: "debug", LogFile: "echo-debug.log"})
	require.NoError(t, err)
	assert.Equal(t, "echo", cfg.Bot.Name)
	assert.Equal(t, "echo@example.org", cfg.Bot.Identity)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "echo-debug.log", cfg.Log.File)
	assert.Equal(t, "echo.pid", cfg.PidFile())
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := loadConfig(&CLIConfig{LogLevel: "loud"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestBotConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bot.Identity = "rumpy@example.org"
	cfg.Messages.Welcome = "hi there"

	bc := botConfig(cfg)
	assert.Equal(t, peer.ID("rumpy@example.org"), bc.Identity)
	assert.Equal(t, "hi there", bc.Messages.Welcome)
	assert.Equal(t, Version, bc.Version)
	assert.Equal(t, cfg.Retry.ExhaustionBackoff, bc.Retry.ExhaustionBackoff)
	assert.Equal(t, bot.Limits{QueryRate: 100, QueryBurst: 10}, bc.Limits)
}

func TestStopDetached_NotRunning(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.PidFile = filepath.Join(t.TempDir(), "rumpy.pid")
	assert.ErrorIs(t, stopDetached(cfg), errNotRunning)
}

func TestDemoApp(t *testing.T) {
	ctx := context.Background()
	sub := store.NewSubscriber("alice@example.org", time.Now())
	app := demoApp()

	reply := func(body string) string {
		t.Helper()
		parsed, err := app.Parse(body)
		require.NoError(t, err)
		out, err := app.Respond(ctx, sub, parsed)
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, "pong", reply("  PING "))
	assert.Equal(t, "You have counted 1 time(s).", reply("count"))
	assert.Equal(t, "You have counted 2 time(s).", reply("count"))
	assert.Equal(t, "2", sub.Get("count"))

	assert.Contains(t, reply("name"), "don't know your name")
	assert.Equal(t, "Nice to meet you, Alice Liddell.", reply("name Alice Liddell"))
	assert.Equal(t, "You are Alice Liddell.", reply("name"))

	assert.Equal(t, "Hello There", reply("Hello There"))
	assert.True(t, strings.HasPrefix(reply("help"), "Commands:"))
}

func TestRespond_RejectsUnparsed(t *testing.T) {
	_, err := respond(context.Background(), store.NewSubscriber("a@b", time.Now()), "raw")
	assert.Error(t, err)
}

func TestSetupLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rumpy.log")

	logger, sink, err := setupLogger("info", "json", path)
	require.NoError(t, err)
	require.NotNil(t, sink)
	logger.Info("hello", "peer", "alice@example.org")
	logger.Debug("hidden")
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, appName, record["service"])
	assert.Equal(t, "alice@example.org", record["peer"])
}

func TestSetupLogger_NoFile(t *testing.T) {
	logger, sink, err := setupLogger("debug", "text", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.Nil(t, sink)
	assert.True(t, logger.Enabled(context.Background(), -4))
}

func TestSetupLogger_BadPath(t *testing.T) {
	_, _, err := setupLogger("info", "json", filepath.Join(t.TempDir(), "missing", "rumpy.log"))
	assert.Error(t, err)
}
