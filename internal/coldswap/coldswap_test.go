package coldswap

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"pefs/internal/errs"
)

// recorder collects the protocol events of one run in order.
type recorder struct {
	events []string

	stopErr  error
	startErr error
	dropErr  error
}

func (r *recorder) Release(context.Context) error { r.events = append(r.events, "release"); return nil }

func (r *recorder) Stop(context.Context) error {
	r.events = append(r.events, "stop")
	return r.stopErr
}

func (r *recorder) Start(context.Context) error {
	r.events = append(r.events, "start")
	return r.startErr
}

func (r *recorder) DropCaches(context.Context) error {
	r.events = append(r.events, "drop")
	return r.dropErr
}

func newOrchestrator(t *testing.T, r *recorder) *Orchestrator {
	t.Helper()
	orig := sleep
	t.Cleanup(func() { sleep = orig })
	sleep = func(ctx context.Context, d time.Duration) { r.events = append(r.events, "settle") }

	return &Orchestrator{Session: r, Server: r, Cache: r, DataDir: "/pgdata", Op: "test"}
}

func TestRun_Success(t *testing.T) {
	r := &recorder{}
	o := newOrchestrator(t, r)

	var stateInside State
	err := o.Run(context.Background(), func(ctx context.Context) error {
		stateInside = o.State()
		r.events = append(r.events, "fn")
		return nil
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	want := []string{"release", "settle", "stop", "drop", "fn", "start"}
	if !reflect.DeepEqual(r.events, want) {
		t.Fatalf("events = %v, want %v", r.events, want)
	}
	if stateInside != Stopped {
		t.Fatalf("state inside protected region = %v, want stopped", stateInside)
	}
	if o.State() != Running {
		t.Fatalf("final state = %v, want running", o.State())
	}
}

func TestRun_StopFailureIsFatalWithoutRestart(t *testing.T) {
	stopErr := &errs.ProcessError{Command: "pg_ctl", ExitCode: 1}
	r := &recorder{stopErr: stopErr}
	o := newOrchestrator(t, r)

	called := false
	err := o.Run(context.Background(), func(ctx context.Context) error { called = true; return nil })

	var pe *errs.ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *errs.ProcessError", err)
	}
	if called {
		t.Fatalf("protected fn ran after failed stop")
	}
	want := []string{"release", "settle", "stop"}
	if !reflect.DeepEqual(r.events, want) {
		t.Fatalf("events = %v, want %v", r.events, want)
	}
	if o.State() != Running {
		t.Fatalf("state = %v, want running", o.State())
	}
}

func TestRun_RestartsExactlyOnce(t *testing.T) {
	fnErr := errors.New("copy failed")

	tests := []struct {
		name    string
		dropErr error
		fn      func(ctx context.Context) error
		wantErr error
		wantFn  bool
	}{
		{name: "fn succeeds", fn: func(context.Context) error { return nil }, wantFn: true},
		{name: "fn fails", fn: func(context.Context) error { return fnErr }, wantErr: fnErr, wantFn: true},
		{name: "cache drop fails", dropErr: fnErr, fn: func(context.Context) error { return nil }, wantErr: fnErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{dropErr: tt.dropErr}
			o := newOrchestrator(t, r)

			ran := false
			err := o.Run(context.Background(), func(ctx context.Context) error { ran = true; return tt.fn(ctx) })

			if tt.wantErr == nil && err != nil {
				t.Fatalf("Run error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run error = %v, want %v", err, tt.wantErr)
			}
			if ran != tt.wantFn {
				t.Fatalf("fn ran = %v, want %v", ran, tt.wantFn)
			}
			starts := 0
			for _, e := range r.events {
				if e == "start" {
					starts++
				}
			}
			if starts != 1 {
				t.Fatalf("start ran %d times, want 1 (events %v)", starts, r.events)
			}
			if o.State() != Running {
				t.Fatalf("final state = %v, want running", o.State())
			}
		})
	}
}

func TestRun_RestoreFailureKeepsCause(t *testing.T) {
	fnErr := &errs.FilesystemError{Op: "copy", Table: "orders", Err: errors.New("disk full")}
	startErr := &errs.ProcessError{Command: "pg_ctl", ExitCode: 1}
	r := &recorder{startErr: startErr}
	o := newOrchestrator(t, r)

	err := o.Run(context.Background(), func(ctx context.Context) error { return fnErr })

	var sr *errs.ServerRestoreFailed
	if !errors.As(err, &sr) {
		t.Fatalf("error = %v, want *errs.ServerRestoreFailed", err)
	}
	if sr.DataDir != "/pgdata" {
		t.Fatalf("DataDir = %q", sr.DataDir)
	}
	if !errors.Is(err, startErr) {
		t.Fatalf("restart error not reachable from %v", err)
	}
	var fe *errs.FilesystemError
	if !errors.As(err, &fe) || fe.Table != "orders" {
		t.Fatalf("original error not reachable from %v", err)
	}
	if !errs.Severe(err) {
		t.Fatalf("Severe(%v) = false", err)
	}
	if o.State() != Stopped {
		t.Fatalf("state = %v, want stopped after failed restore", o.State())
	}
}

func TestRun_RestoreFailureAfterSuccess(t *testing.T) {
	r := &recorder{startErr: errors.New("port in use")}
	o := newOrchestrator(t, r)

	err := o.Run(context.Background(), func(ctx context.Context) error { return nil })
	var sr *errs.ServerRestoreFailed
	if !errors.As(err, &sr) || sr.Cause != nil {
		t.Fatalf("error = %v, want ServerRestoreFailed without cause", err)
	}
}

func TestRun_PanicStillRestarts(t *testing.T) {
	r := &recorder{}
	o := newOrchestrator(t, r)

	defer func() {
		if p := recover(); p != "boom" {
			t.Fatalf("recovered %v, want re-panic with boom", p)
		}
		if r.events[len(r.events)-1] != "start" {
			t.Fatalf("events = %v, want start after panic", r.events)
		}
		if o.State() != Running {
			t.Fatalf("state = %v, want running", o.State())
		}
	}()
	_ = o.Run(context.Background(), func(ctx context.Context) error { panic("boom") })
	t.Fatalf("Run returned; want panic")
}

func TestRun_IgnoresCancellationAfterStop(t *testing.T) {
	r := &recorder{}
	o := newOrchestrator(t, r)
	ctx, cancel := context.WithCancel(context.Background())

	err := o.Run(ctx, func(fctx context.Context) error {
		cancel()
		if fctx.Err() != nil {
			return fctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run error = %v, want nil", err)
	}
	if r.events[len(r.events)-1] != "start" {
		t.Fatalf("events = %v, want start last", r.events)
	}
}

func TestRun_CanceledBeforeStop(t *testing.T) {
	r := &recorder{}
	o := newOrchestrator(t, r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.Run(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	for _, e := range r.events {
		if e == "stop" || e == "start" {
			t.Fatalf("events = %v, want no stop/start", r.events)
		}
	}
}

func TestRun_NoCacheNoSession(t *testing.T) {
	r := &recorder{}
	o := newOrchestrator(t, r)
	o.Session = nil
	o.Cache = nil
	o.SettleDelay = -1

	if err := o.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	want := []string{"stop", "start"}
	if !reflect.DeepEqual(r.events, want) {
		t.Fatalf("events = %v, want %v", r.events, want)
	}
}

func TestRun_RejectsReentry(t *testing.T) {
	r := &recorder{}
	o := newOrchestrator(t, r)

	var inner error
	err := o.Run(context.Background(), func(ctx context.Context) error {
		inner = o.Run(ctx, func(context.Context) error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("outer Run error: %v", err)
	}
	if !errors.Is(inner, ErrBusy) {
		t.Fatalf("inner Run error = %v, want ErrBusy", inner)
	}
}
