package engine

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const maxLineBytes = 1024 * 1024

// LocalRunner executes tools directly on the host.
type LocalRunner struct {
	grace  time.Duration
	logger zerolog.Logger
}

func NewLocalRunner(grace time.Duration, logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		grace:  grace,
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

func (r *LocalRunner) Run(ctx context.Context, spec Spec, emit LineFunc) (Result, error) {
	start := time.Now()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group, so termination signals reach the tool and any
	// children it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// A single pipe shared by stdout and stderr preserves the interleaving
	// the process actually wrote.
	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, errors.Wrap(err, "create output pipe")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return Result{}, errors.Wrapf(err, "start %s", spec.Command)
	}
	pw.Close()
	defer pr.Close()

	pgid := cmd.Process.Pid

	var signaled atomic.Bool
	done := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-ctx.Done():
			signaled.Store(true)
			r.logger.Info().Str("command", spec.Command).Msg("cancellation requested, signaling process group")
			syscall.Kill(-pgid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(r.grace):
				r.logger.Warn().Str("command", spec.Command).Dur("grace", r.grace).Msg("grace period expired, killing process group")
				syscall.Kill(-pgid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(splitLines)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		emit(spec.Source, text)
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn().Err(err).Str("command", spec.Command).Msg("output stream ended abnormally")
	}

	waitErr := cmd.Wait()
	close(done)
	<-watchdogDone

	res := Result{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Signaled:   signaled.Load(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return res, errors.Wrapf(waitErr, "wait for %s", spec.Command)
		}
	}
	return res, nil
}

// splitLines is a bufio.SplitFunc that treats both newlines and bare
// carriage returns as line boundaries. The dump and restore tools rewrite
// progress lines in place with CR when attached to a terminal.
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
