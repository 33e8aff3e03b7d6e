// Package handler runs the external-handler subprocesses the core
// delegates to: the repository fetch tool, the OpenSSL bot-key fingerprint
// translator, the CI pipeline handler, and the artifact upload handler
// (spec §2.3, §5 "Suspension points", §7 "unable to fork a subprocess").
//
// Every handler here follows the same shape: a context-bound
// exec.CommandContext, captured stdout, and a hard timeout enforced by
// context.WithTimeout — the same context-first idiom the teacher's
// jobs.Scheduler uses for awaiting a remote command's result
// (internal/controlplane/jobs/scheduler.go), adapted from channel-based
// waiting to a blocking subprocess wait.
package handler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/repoforge/brepd/internal/errkind"
)

// Result carries a handler's captured output and how it exited.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run executes name with args, enforcing timeout. Stdout is captured and
// returned; stderr is captured for diagnostics. A context deadline
// exceeded or a failure to start the process is a fatal error (spec §7
// "unable to fork a subprocess"); a non-zero, non-context-canceled exit is
// reported via Result.ExitCode without itself being an error, so callers
// can special-case exit codes (e.g. the fetch tool's retryable exit 2).
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctx.Err() == context.DeadlineExceeded {
		return res, errkind.Newf(errkind.Fatal, "%s: timed out after %s", name, timeout)
	}
	if err == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, errkind.Newf(errkind.Fatal, "run %s: %w", name, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// RunWithInput is Run, but writes input to the subprocess's stdin before
// waiting — used by the OpenSSL fingerprint translator, which reads a PEM
// block from stdin.
func RunWithInput(ctx context.Context, timeout time.Duration, input []byte, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctx.Err() == context.DeadlineExceeded {
		return res, errkind.Newf(errkind.Fatal, "%s: timed out after %s", name, timeout)
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, errkind.Newf(errkind.Fatal, "run %s: %w", name, err)
}

// ErrHandlerFailed reports a handler that ran but exited non-zero.
type ErrHandlerFailed struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ErrHandlerFailed) Error() string {
	return fmt.Sprintf("%s exited %d: %s", e.Name, e.ExitCode, e.Stderr)
}
