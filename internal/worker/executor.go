package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps each captured stream.
	maxOutputBytes = 1 << 20

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// Return codes for outcomes the command itself did not produce, following
	// the shell's conventions.
	rcTimeout     = 124
	rcCannotStart = 127
)

// Result is the outcome of one command.
type Result struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
	TimedOut   bool
}

// Execute runs command with `sh -c`, feeding it stdin. When timeout elapses
// or ctx ends the process gets SIGTERM, then SIGKILL after a grace period.
func Execute(ctx context.Context, command string, stdin []byte, timeout time.Duration, logger *slog.Logger) (res Result) {
	res.StartedAt = time.Now()
	defer func() { res.FinishedAt = time.Now() }()

	// Not CommandContext: termination is escalated here.
	cmd := exec.Command("sh", "-c", command)
	cmd.WaitDelay = terminationGracePeriod

	stdout := &limitedBuffer{max: maxOutputBytes}
	stderr := &limitedBuffer{max: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		res.ReturnCode = rcCannotStart
		res.Stderr = []byte(fmt.Sprintf("create stdin pipe: %v", err))
		return res
	}

	logger.Debug("spawning command", "timeout", timeout)
	if err := cmd.Start(); err != nil {
		res.ReturnCode = rcCannotStart
		res.Stderr = []byte(fmt.Sprintf("start process: %v", err))
		return res
	}

	go func() {
		defer stdinPipe.Close()
		if len(stdin) > 0 {
			// A command that exits without reading stdin closes the pipe; that is not an error.
			_, _ = stdinPipe.Write(stdin)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var werr error
	select {
	case werr = <-waitErr:
	case <-timer.C:
		logger.Warn("command timed out, sending SIGTERM")
		res.TimedOut = true
		werr = terminate(cmd, waitErr, logger)
	case <-ctx.Done():
		logger.Warn("command interrupted, sending SIGTERM", "cause", context.Cause(ctx))
		werr = terminate(cmd, waitErr, logger)
	}

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	var exitErr *exec.ExitError
	switch {
	case res.TimedOut:
		res.ReturnCode = rcTimeout
		res.Stderr = append(res.Stderr, []byte(fmt.Sprintf("\ncommand timed out after %s", timeout))...)
	case werr == nil:
		res.ReturnCode = 0
	case errors.As(werr, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
		if res.ReturnCode < 0 {
			// Killed by a signal.
			res.ReturnCode = 128 + signalOf(exitErr)
		}
	default:
		res.ReturnCode = rcCannotStart
		res.Stderr = append(res.Stderr, []byte(fmt.Sprintf("\nwait for process: %v", werr))...)
	}
	if stdout.truncated || stderr.truncated {
		logger.Warn("command output truncated", "limit_bytes", maxOutputBytes)
	}
	return res
}

func terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("command exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		return <-waitErr
	}
}

func signalOf(err *exec.ExitError) int {
	if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return 0
}

// limitedBuffer keeps the first max bytes written and discards the rest
// while still reporting full writes, so the child never blocks on a full
// pipe.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }
