// Package daemon starts a bot as a detached background process and stops it
// again through its pid file.
package daemon

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/ximik/rumpy/errors"
)

// ErrRunning is returned by Start when the pid file already exists
var ErrRunning = fmt.Errorf("pid file exists: %w", errors.ErrAlreadyStarted)

// Options describes the background process Start launches
type Options struct {
	// PidFile receives the child's pid. Start refuses to run when it exists.
	PidFile string
	// Executable defaults to the running binary.
	Executable string
	// Args are passed to the child, typically the "run" subcommand and its flags.
	Args []string
	// Env is appended to the current environment.
	Env []string
	// LogFile receives the child's stdout and stderr. Empty discards them.
	LogFile string
}

// Start launches the process opts describes in its own session, writes its
// pid file and returns the pid. It does not wait for the child.
func Start(opts Options, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PidFile == "" {
		return 0, errors.WrapFatal(errors.ErrMissingConfig, "daemon", "Start", "check pid file")
	}
	if _, err := os.Stat(opts.PidFile); err == nil {
		return 0, errors.WrapInvalid(ErrRunning, "daemon", "Start", "check pid file "+opts.PidFile)
	}

	exe := opts.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, errors.WrapFatal(err, "daemon", "Start", "resolve executable")
		}
		exe = self
	}

	cmd := exec.Command(exe, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = detachAttr()

	if opts.LogFile != "" {
		out, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, errors.WrapFatal(err, "daemon", "Start", "open log file")
		}
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return 0, errors.WrapFatal(err, "daemon", "Start", "spawn process")
	}
	pid := cmd.Process.Pid

	if err := writePid(opts.PidFile, pid); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return 0, err
	}
	if err := cmd.Process.Release(); err != nil {
		logger.Debug("Release child process", "pid", pid, "error", err)
	}

	logger.Info("Bot started in background", "pid", pid, "pid_file", opts.PidFile, "log_file", opts.LogFile)
	return pid, nil
}

// Stop sends SIGTERM to the process recorded in pidFile. It reports false
// when there is no pid file. The pid file is removed whenever it existed,
// even if signalling fails.
func Stop(pidFile string, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pid, err := ReadPid(pidFile)
	if stderrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	defer func() {
		if rerr := os.Remove(pidFile); rerr != nil && !stderrors.Is(rerr, fs.ErrNotExist) {
			logger.Warn("Failed to remove pid file", "pid_file", pidFile, "error", rerr)
		}
	}()
	if err != nil {
		return true, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, errors.Wrap(err, "daemon", "Stop", fmt.Sprintf("find process %d", pid))
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return true, errors.Wrap(err, "daemon", "Stop", fmt.Sprintf("signal process %d", pid))
	}

	logger.Info("Sent SIGTERM", "pid", pid, "pid_file", pidFile)
	return true, nil
}

// ReadPid parses the pid stored in pidFile
func ReadPid(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.WrapInvalid(errors.ErrDataCorrupted, "daemon", "ReadPid", "parse "+pidFile)
	}
	return pid, nil
}

// writePid creates pidFile exclusively so two starts cannot both win
func writePid(pidFile string, pid int) error {
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if stderrors.Is(err, fs.ErrExist) {
			return errors.WrapInvalid(ErrRunning, "daemon", "Start", "write pid file")
		}
		return errors.WrapFatal(err, "daemon", "Start", "write pid file")
	}
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		_ = f.Close()
		_ = os.Remove(pidFile)
		return errors.WrapFatal(err, "daemon", "Start", "write pid file")
	}
	return f.Close()
}
