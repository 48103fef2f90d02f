// Package relocate moves heap files between the data directory and the
// relocation store. Every function here assumes the server is stopped.
package relocate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"pefs/internal/errs"
)

const partialExt = ".partial"

// ErrMultiSegment is returned for tables whose heap spans more than one
// segment file. Only the first segment would be relocated.
var ErrMultiSegment = errors.New("heap has more than one segment")

// ErrToastData is returned for tables whose TOAST relation holds data.
// Out-of-line values live in that relation, which is not relocated, so the
// linked table would reference chunks the target does not have.
var ErrToastData = errors.New("table has out-of-line (TOAST) data")

// ErrChecksum reports differing content between source and copy.
var ErrChecksum = errors.New("checksum mismatch")

// symlink is a test hook.
var symlink = os.Symlink

// Result describes a copied file.
type Result struct {
	Bytes int64
	Sum   uint64
}

// Hex is the checksum as stored in the manifest.
func (r Result) Hex() string { return fmt.Sprintf("%016x", r.Sum) }

// CheckSingleSegment fails if physicalPath has a continuation segment
// (<path>.1).
func CheckSingleSegment(table, physicalPath string) error {
	next := physicalPath + ".1"
	_, err := os.Lstat(next)
	switch {
	case err == nil:
		return &errs.FilesystemError{Op: "resolve", Table: table, Path: next, Err: ErrMultiSegment}
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return &errs.FilesystemError{Op: "resolve", Table: table, Path: next, Err: err}
	}
}

// CheckNoToast fails if the TOAST heap at toastPath is not empty. A missing
// file counts as empty.
func CheckNoToast(table, toastPath string) error {
	fi, err := os.Stat(toastPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return &errs.FilesystemError{Op: "resolve", Table: table, Path: toastPath, Err: err}
	case fi.Size() > 0:
		return &errs.FilesystemError{Op: "resolve", Table: table, Path: toastPath, Err: ErrToastData}
	}
	return nil
}

// CopyToStore copies the heap file at physicalPath to storePath. storePath
// must not exist. Data goes to <storePath>.partial, is fsynced and renamed
// into place; on failure the partial file is removed and storePath is never
// created.
func CopyToStore(table, physicalPath, storePath string) (res Result, err error) {
	fail := func(path string, err error) (Result, error) {
		return Result{}, &errs.FilesystemError{Op: "copy", Table: table, Path: path, Err: err}
	}

	if _, err := os.Lstat(storePath); err == nil {
		return fail(storePath, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fail(storePath, err)
	}

	src, err := os.Open(physicalPath)
	if err != nil {
		return fail(physicalPath, err)
	}
	defer src.Close()

	tmp := storePath + partialExt
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fail(tmp, err)
	}
	defer func() {
		if err != nil {
			dst.Close()
			_ = os.Remove(tmp)
		}
	}()

	h := xxh3.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return fail(tmp, err)
	}
	if err := unix.Fsync(int(dst.Fd())); err != nil {
		return fail(tmp, err)
	}
	if err := dst.Close(); err != nil {
		return fail(tmp, err)
	}
	if err := os.Rename(tmp, storePath); err != nil {
		return fail(storePath, err)
	}
	if err := syncDir(filepath.Dir(storePath)); err != nil {
		return fail(filepath.Dir(storePath), err)
	}
	return Result{Bytes: n, Sum: h.Sum64()}, nil
}

// HashFile returns the size and xxh3 checksum of path.
func HashFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	h := xxh3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Result{}, err
	}
	return Result{Bytes: n, Sum: h.Sum64()}, nil
}

// VerifyCopy hashes both files concurrently and compares them.
func VerifyCopy(ctx context.Context, table, physicalPath, storePath string) error {
	var a, b Result
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) { a, err = HashFile(physicalPath); return err })
	g.Go(func() (err error) { b, err = HashFile(storePath); return err })
	if err := g.Wait(); err != nil {
		return &errs.FilesystemError{Op: "verify copy", Table: table, Path: storePath, Err: err}
	}
	if a != b {
		return &errs.FilesystemError{
			Op:    "verify copy",
			Table: table,
			Path:  storePath,
			Err:   fmt.Errorf("%w: source %s (%d bytes), copy %s (%d bytes)", ErrChecksum, a.Hex(), a.Bytes, b.Hex(), b.Bytes),
		}
	}
	return nil
}

// VerifyChecksum compares storePath against a manifest digest.
func VerifyChecksum(table, storePath string, bytes int64, hex string) error {
	r, err := HashFile(storePath)
	if err != nil {
		return &errs.FilesystemError{Op: "verify store", Table: table, Path: storePath, Err: err}
	}
	if r.Bytes != bytes || r.Hex() != hex {
		return &errs.FilesystemError{
			Op:    "verify store",
			Table: table,
			Path:  storePath,
			Err:   fmt.Errorf("%w: manifest %s (%d bytes), store %s (%d bytes)", ErrChecksum, hex, bytes, r.Hex(), r.Bytes),
		}
	}
	return nil
}

// LinkFromStore replaces the heap file at physicalPath with a symbolic link
// to storePath by unlinking then creating the link. If the link cannot be
// created after the unlink the table has no storage and the error is
// *errs.DanglingTableError.
func LinkFromStore(table, physicalPath, storePath string) error {
	if err := os.Remove(physicalPath); err != nil {
		return &errs.FilesystemError{Op: "unlink", Table: table, Path: physicalPath, Err: err}
	}
	if err := symlink(storePath, physicalPath); err != nil {
		return &errs.DanglingTableError{Table: table, Path: physicalPath, Target: storePath, Err: err}
	}
	return nil
}

// Staged is a link created next to the heap file, not yet in place.
type Staged struct {
	Table  string
	Path   string // heap file to replace
	Target string // store file
	Temp   string // staged link
}

// Stage creates a symbolic link to storePath under a temporary name in the
// directory of physicalPath. Nothing the server reads is changed.
func Stage(table, physicalPath, storePath string) (*Staged, error) {
	if !filepath.IsAbs(storePath) {
		return nil, &errs.FilesystemError{Op: "stage", Table: table, Path: storePath, Err: errors.New("link target must be absolute")}
	}
	if _, err := os.Stat(storePath); err != nil {
		return nil, &errs.FilesystemError{Op: "stage", Table: table, Path: storePath, Err: err}
	}
	if _, err := os.Lstat(physicalPath); err != nil {
		return nil, &errs.FilesystemError{Op: "stage", Table: table, Path: physicalPath, Err: err}
	}
	tmp := fmt.Sprintf("%s.pefs-%s", physicalPath, uuid.NewString())
	if err := os.Symlink(storePath, tmp); err != nil {
		return nil, &errs.FilesystemError{Op: "stage", Table: table, Path: tmp, Err: err}
	}
	return &Staged{Table: table, Path: physicalPath, Target: storePath, Temp: tmp}, nil
}

// Commit renames the staged link over the heap file. rename(2) replaces the
// file atomically, so a failure leaves the table on its old storage.
func (s *Staged) Commit() error {
	if err := os.Rename(s.Temp, s.Path); err != nil {
		return &errs.FilesystemError{Op: "link", Table: s.Table, Path: s.Path, Err: err}
	}
	if err := syncDir(filepath.Dir(s.Path)); err != nil {
		return &errs.FilesystemError{Op: "link", Table: s.Table, Path: filepath.Dir(s.Path), Err: err}
	}
	return nil
}

// Abort removes the staged link. Aborting a committed link is a no-op.
func (s *Staged) Abort() error {
	err := os.Remove(s.Temp)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &errs.FilesystemError{Op: "abort", Table: s.Table, Path: s.Temp, Err: err}
	}
	return nil
}

// AbortAll removes every staged link and joins the failures.
func AbortAll(staged []*Staged) error {
	var all []error
	for _, s := range staged {
		if err := s.Abort(); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}

// Verify checks that physicalPath is a symbolic link resolving to storePath.
func Verify(table, physicalPath, storePath string) error {
	fail := func(err error) error {
		return &errs.FilesystemError{Op: "verify link", Table: table, Path: physicalPath, Err: err}
	}
	fi, err := os.Lstat(physicalPath)
	if err != nil {
		return fail(err)
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		return fail(fmt.Errorf("not a symbolic link (mode %v)", fi.Mode()))
	}
	got, err := filepath.EvalSymlinks(physicalPath)
	if err != nil {
		return fail(err)
	}
	want, err := filepath.EvalSymlinks(storePath)
	if err != nil {
		return fail(err)
	}
	if got != want {
		return fail(fmt.Errorf("resolves to %s, want %s", got, want))
	}
	return nil
}

func syncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
