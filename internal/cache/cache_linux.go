//go:build linux

package cache

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"pefs/internal/proc"
)

const dropCachesPath = "/proc/sys/vm/drop_caches"

// Global flushes dirty pages and asks the kernel to drop the page cache.
// Writing drop_caches requires root.
type Global struct {
	Path string // drop_caches file; dropCachesPath when empty
}

func newGlobal(proc.Runner) Dropper { return &Global{} }

// DropCaches implements Dropper.
func (g *Global) DropCaches(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unix.Sync()
	path := g.Path
	if path == "" {
		path = dropCachesPath
	}
	// 1 = page cache only; dentries and inodes are left alone.
	if err := os.WriteFile(path, []byte("1"), 0); err != nil {
		return processError("drop_caches", err)
	}
	return nil
}

// Files evicts the cached pages of specific files. It needs no privileges
// beyond read access to the files.
type Files struct {
	Paths []string
}

func newFiles(paths []string) (Dropper, error) { return &Files{Paths: paths}, nil }

// DropCaches implements Dropper. Missing files are skipped: a table that
// was never written has no pages to evict.
func (f *Files) DropCaches(ctx context.Context) error {
	for _, p := range f.Paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := evict(p); err != nil {
			return processError("fadvise", fmt.Errorf("%s: %w", p, err))
		}
	}
	return nil
}

func evict(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err == unix.ENOENT {
		return nil
	}
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := unix.Fdatasync(fd); err != nil {
		return err
	}
	return unix.Fadvise(fd, 0, 0, unix.FADV_DONTNEED)
}

func defaultGeteuid() int { return unix.Geteuid() }
