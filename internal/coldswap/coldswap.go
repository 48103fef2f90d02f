// Package coldswap runs a file operation against a server's data directory
// while the server is fully stopped.
//
// The protocol is strictly ordered:
//
//	drain (close session, settle) -> stop (fast) -> drop caches -> protected fn -> start
//
// Stop and cache invalidation form the acquire step; start is the release
// step. Once the server has been confirmed stopped, start is attempted
// exactly once on every exit path, including errors and panics inside the
// protected function. A failed start is reported as *errs.ServerRestoreFailed,
// which carries the original failure as its Cause.
//
// After the stop, context cancellation is ignored: the server is down and
// the protected work must be resolved to completion, not abandoned.
package coldswap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pefs/internal/cache"
	"pefs/internal/errs"
	"pefs/internal/metrics"
)

// State is a step of the protocol.
type State int

const (
	Running State = iota
	Draining
	Stopped
	Restoring
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Restoring:
		return "restoring"
	}
	return "unknown"
}

// DefaultSettleDelay is the pause after releasing the session.
const DefaultSettleDelay = time.Second

// Releaser releases the client session before shutdown. *pg.Session
// satisfies it.
type Releaser interface {
	Release(ctx context.Context) error
}

// Controller stops and starts the server. *server.Handle satisfies it.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// ErrBusy is returned when Run is called while another run is in progress.
var ErrBusy = errors.New("coldswap: orchestrator is not in the running state")

// Orchestrator drives one server through the protocol.
type Orchestrator struct {
	Session     Releaser // optional
	Server      Controller
	Cache       cache.Dropper // optional; nil skips invalidation
	DataDir     string        // for error reporting
	SettleDelay time.Duration // zero uses DefaultSettleDelay; negative disables
	Op          string        // metrics/log label, e.g. "clone"
	Logger      *slog.Logger

	mu    sync.Mutex
	state State
}

// sleep is a test hook.
var sleep = func(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// State reports the current protocol step.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(from, to State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != from {
		return false
	}
	o.state = to
	return true
}

func (o *Orchestrator) set(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// step times fn and records it under name.
func (o *Orchestrator) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	metrics.RecordStep(o.Op, name, err, d)
	if err != nil {
		o.logger().Error("cold swap step failed", "op", o.Op, "step", name, "duration", d, "err", err)
	} else {
		o.logger().Info("cold swap step", "op", o.Op, "step", name, "duration", d)
	}
	return err
}

// Run executes fn with the server stopped and restarts the server
// afterwards. fn receives a context that is never canceled.
//
// A failed stop is returned as is and nothing else happens. Any failure
// after the stop (cache invalidation, fn) still triggers the restart; if the
// restart fails too, the returned error is *errs.ServerRestoreFailed.
func (o *Orchestrator) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if !o.transition(Running, Draining) {
		return ErrBusy
	}

	// Drain. A close error only means the connection is already gone;
	// a fast shutdown terminates remaining backends anyway.
	_ = o.step("drain", func() error {
		if o.Session != nil {
			if err := o.Session.Release(ctx); err != nil {
				o.logger().Warn("release session", "err", err)
			}
		}
		delay := o.SettleDelay
		if delay == 0 {
			delay = DefaultSettleDelay
		}
		if delay > 0 {
			sleep(ctx, delay)
		}
		return nil
	})

	if err := ctx.Err(); err != nil {
		o.set(Running)
		return err
	}

	if err := o.step("stop", func() error { return o.Server.Stop(ctx) }); err != nil {
		o.set(Running)
		return fmt.Errorf("stop server: %w", err)
	}
	o.set(Stopped)

	// From here on the server is down.
	cctx := context.WithoutCancel(ctx)
	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("protected region panicked: %v", p)
		}
		err = o.restore(cctx, err)
		if p != nil {
			panic(p)
		}
	}()

	if o.Cache != nil {
		if err := o.step("drop_cache", func() error { return o.Cache.DropCaches(cctx) }); err != nil {
			return fmt.Errorf("drop caches: %w", err)
		}
	}

	return o.step("protected", func() error { return fn(cctx) })
}

// restore starts the server and folds the outcome into cause.
func (o *Orchestrator) restore(ctx context.Context, cause error) error {
	o.set(Restoring)
	if err := o.step("start", func() error { return o.Server.Start(ctx) }); err != nil {
		o.set(Stopped)
		return &errs.ServerRestoreFailed{DataDir: o.DataDir, Err: err, Cause: cause}
	}
	o.set(Running)
	return cause
}
