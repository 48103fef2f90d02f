// Package proc runs external commands (pg_ctl, pg_dump, purge) and turns
// failures into *errs.ProcessError values that carry the exit status and a
// tail of the command's stderr.
package proc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"pefs/internal/errs"
)

// Runner runs a command to completion and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// maxStderr bounds how much stderr is kept in a ProcessError.
const maxStderr = 2048

// waitDelay bounds how long Run keeps reading output once the command has
// exited. pg_ctl start leaves the postmaster running, and it inherits any
// descriptor pg_ctl was not told to redirect.
var waitDelay = 2 * time.Second

// commandContext is a test hook that points to exec.CommandContext by default.
var commandContext = exec.CommandContext

// Exec runs commands with os/exec.
type Exec struct {
	// Env, when non-empty, is appended to the parent environment.
	Env []string
}

// Run implements Runner.
func (e Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := commandContext(ctx, name, args...)
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		err = nil
	}
	if err != nil {
		pe := &errs.ProcessError{
			Command:  name,
			Args:     args,
			ExitCode: -1,
			Stderr:   tail(stderr.String(), maxStderr),
			Err:      err,
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			pe.ExitCode = ee.ExitCode()
		}
		return stdout.Bytes(), pe
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
