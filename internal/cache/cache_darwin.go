//go:build darwin

package cache

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"

	"pefs/internal/proc"
)

// Global flushes dirty pages and runs purge(8) to empty the unified
// buffer cache.
type Global struct {
	Runner  proc.Runner
	Command []string // purge invocation; "sudo purge" when empty
}

func newGlobal(r proc.Runner) Dropper { return &Global{Runner: r} }

// DropCaches implements Dropper.
func (g *Global) DropCaches(ctx context.Context) error {
	unix.Sync()
	cmd := g.Command
	if len(cmd) == 0 {
		cmd = []string{"sudo", "purge"}
	}
	_, err := g.Runner.Run(ctx, cmd[0], cmd[1:]...)
	return err
}

func newFiles([]string) (Dropper, error) {
	return nil, errors.New("cache: per-file eviction is not supported on darwin; use global or none")
}

func defaultGeteuid() int { return unix.Geteuid() }
