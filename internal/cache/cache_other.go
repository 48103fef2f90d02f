//go:build !linux && !darwin

package cache

import (
	"context"
	"errors"
	"os"

	"pefs/internal/proc"
)

var errUnsupported = errors.New("cache: page cache invalidation is not supported on this platform")

type unsupported struct{}

func (unsupported) DropCaches(context.Context) error { return processError("drop_caches", errUnsupported) }

func newGlobal(proc.Runner) Dropper { return unsupported{} }

func newFiles([]string) (Dropper, error) { return nil, errUnsupported }

func defaultGeteuid() int { return os.Geteuid() }
