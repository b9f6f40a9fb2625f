// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

// Package media wraps ffmpeg and ffprobe for audio extraction, probing and
// time based splitting.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const stderrTail = 4 << 10

var (
	// ErrTimeout is returned when a tool exceeds its time budget and is killed.
	ErrTimeout = errors.New("media tool timed out")
	// ErrEmptyOutput is returned when a tool exits cleanly but writes nothing.
	ErrEmptyOutput = errors.New("media tool produced empty output")
)

// Result is the outcome of one tool invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner runs an external program. The default shells out; tests swap in fakes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ToolError carries the failing command and the tail of its stderr.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// ExecRunner runs programs with os/exec. On context expiry the process is
// killed; WaitDelay bounds how long pipes may stay open after that.
type ExecRunner struct {
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res, err
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) Bytes() []byte {
	return b.buf
}

// run executes a tool under an optional timeout and maps failures to
// ErrTimeout, the caller's context error or a *ToolError.
func run(ctx context.Context, r Runner, timeout time.Duration, tool string, args ...string) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.Run(runCtx, tool, args...)
	toolDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	if err == nil {
		toolRunsTotal.WithLabelValues(tool, "ok").Inc()
		return res, nil
	}

	switch {
	case ctx.Err() != nil:
		toolRunsTotal.WithLabelValues(tool, "cancelled").Inc()
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		toolRunsTotal.WithLabelValues(tool, "timeout").Inc()
		return res, fmt.Errorf("%s after %s: %w", tool, timeout, ErrTimeout)
	}

	toolRunsTotal.WithLabelValues(tool, "error").Inc()
	return res, &ToolError{
		Tool:     tool,
		Args:     args,
		ExitCode: res.ExitCode,
		Stderr:   string(res.Stderr),
		Err:      err,
	}
}
