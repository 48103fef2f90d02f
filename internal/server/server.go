// Package server controls the lifecycle of a local Postgres server through
// pg_ctl. Both operations block until pg_ctl confirms the transition (-w).
package server

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"pefs/internal/proc"
)

// State is the liveness of the server as last observed by a Handle.
type State int

const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Handle refers to one server instance by its data directory. A new Handle
// assumes the server is running.
type Handle struct {
	Runner  proc.Runner
	DataDir string

	PgCtl   string        // pg_ctl binary; "pg_ctl" when empty
	LogFile string        // passed as -l on start; DefaultLogFile under DataDir when empty
	Timeout time.Duration // passed as -t when positive

	mu    sync.Mutex
	state State
}

// DefaultLogFile is the server log written under the data directory when
// LogFile is empty. pg_ctl start always gets -l, so the postmaster never
// keeps pg_ctl's output pipes open.
const DefaultLogFile = "pefs-server.log"

// New returns a Handle for the server whose data directory is dataDir.
func New(r proc.Runner, dataDir string) *Handle {
	return &Handle{Runner: r, DataDir: dataDir}
}

// State reports the last observed liveness.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// StopArgs returns the pg_ctl arguments for a fast shutdown.
func (h *Handle) StopArgs() []string {
	args := []string{"stop", "-D", h.DataDir, "-m", "fast", "-w"}
	return h.withTimeout(args)
}

// StartArgs returns the pg_ctl arguments for a start.
func (h *Handle) StartArgs() []string {
	args := []string{"start", "-D", h.DataDir, "-w", "-l", h.logFile()}
	return h.withTimeout(args)
}

func (h *Handle) logFile() string {
	if h.LogFile == "" {
		return filepath.Join(h.DataDir, DefaultLogFile)
	}
	return h.LogFile
}

func (h *Handle) withTimeout(args []string) []string {
	if h.Timeout > 0 {
		args = append(args, "-t", strconv.Itoa(int(h.Timeout.Seconds())))
	}
	return args
}

func (h *Handle) bin() string {
	if h.PgCtl == "" {
		return "pg_ctl"
	}
	return h.PgCtl
}

// Stop shuts the server down in fast mode and waits for it to exit.
func (h *Handle) Stop(ctx context.Context) error {
	if _, err := h.Runner.Run(ctx, h.bin(), h.StopArgs()...); err != nil {
		return err
	}
	h.setState(Stopped)
	return nil
}

// Start launches the server and waits until it accepts connections.
func (h *Handle) Start(ctx context.Context) error {
	if _, err := h.Runner.Run(ctx, h.bin(), h.StartArgs()...); err != nil {
		return err
	}
	h.setState(Running)
	return nil
}
