// Package cache invalidates the OS page cache before heap files are
// swapped underneath a stopped server, so no stale pages of the old files
// are served after restart.
//
// The platform-specific mechanisms live in build-tagged files; callers pick
// an implementation once at startup with New and then only see Dropper.
package cache

import (
	"context"
	"fmt"

	"pefs/internal/errs"
	"pefs/internal/proc"
)

// Dropper invalidates cached pages. It must complete before the protected
// file operation begins.
type Dropper interface {
	DropCaches(ctx context.Context) error
}

// Mode selects a Dropper implementation.
type Mode string

const (
	// ModeAuto picks ModeGlobal when running as root and ModeFiles otherwise.
	ModeAuto Mode = "auto"
	// ModeGlobal drops the whole page cache (Linux drop_caches, macOS purge).
	ModeGlobal Mode = "global"
	// ModeFiles evicts only the given heap files (posix_fadvise DONTNEED).
	ModeFiles Mode = "files"
	// ModeNone skips invalidation.
	ModeNone Mode = "none"
)

// Nop does nothing.
type Nop struct{}

func (Nop) DropCaches(context.Context) error { return nil }

// geteuid is a test hook for the ModeAuto decision.
var geteuid = defaultGeteuid

// New returns the Dropper for mode. paths are the heap files ModeFiles
// evicts; other modes ignore them.
func New(mode Mode, r proc.Runner, paths []string) (Dropper, error) {
	if mode == "" || mode == ModeAuto {
		mode = ModeFiles
		if geteuid() == 0 {
			mode = ModeGlobal
		}
	}
	switch mode {
	case ModeGlobal:
		return newGlobal(r), nil
	case ModeFiles:
		return newFiles(paths)
	case ModeNone:
		return Nop{}, nil
	}
	return nil, fmt.Errorf("cache: unknown drop mode %q", mode)
}

// processError presents a failed in-process invalidation step the same way
// a failed external command is reported.
func processError(step string, err error) error {
	return &errs.ProcessError{Command: step, ExitCode: -1, Err: err}
}
