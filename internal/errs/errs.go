// Package errs defines the error taxonomy shared by the relocation packages.
//
// Every error is a plain struct that wraps its underlying cause, so callers
// classify failures with errors.As and still reach the root cause (for
// example os.ErrNotExist or a *pgconn.PgError) with errors.Is/As.
//
// Two errors are severe: DanglingTableError and ServerRestoreFailed. Both
// mean the process stopped with the server or a table in a state that needs
// an operator. Use Severe to detect them.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError reports a catalog name (or identifier) that did not resolve.
type NotFoundError struct {
	Kind string // "database", "schema", "schema oid", ...
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// AlreadyExistsError reports a relocation store path that is already taken.
type AlreadyExistsError struct {
	Path string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("relocation store %s already exists", e.Path)
}

// ProcessError reports an external command (pg_ctl, pg_dump, purge, ...)
// that could not be started or exited non-zero.
type ProcessError struct {
	Command  string
	Args     []string
	ExitCode int    // -1 when the process never ran
	Stderr   string // trimmed tail of the command's stderr
	Err      error
}

func (e *ProcessError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Command)
	if len(e.Args) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(e.Args, " "))
	}
	fmt.Fprintf(&sb, ": exit %d", e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&sb, " (stderr: %s)", e.Stderr)
	}
	return sb.String()
}

func (e *ProcessError) Unwrap() error { return e.Err }

// CaptureError reports a failed schema dump for one table.
type CaptureError struct {
	Table string
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture ddl for table %q: %v", e.Table, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// FilesystemError reports a failed copy, unlink, symlink or rename.
type FilesystemError struct {
	Op    string
	Table string
	Path  string
	Err   error
}

func (e *FilesystemError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s table %q (%s): %v", e.Op, e.Table, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// DanglingTableError reports a table whose physical file was removed but
// whose replacement link could not be put in place. The server cannot read
// the table until an operator restores Path.
type DanglingTableError struct {
	Table  string
	Path   string // physical path that no longer exists
	Target string // store file the link should have pointed to
	Err    error
}

func (e *DanglingTableError) Error() string {
	return fmt.Sprintf("table %q left without backing file at %s (link to %s failed): %v",
		e.Table, e.Path, e.Target, e.Err)
}

func (e *DanglingTableError) Unwrap() error { return e.Err }

// ServerRestoreFailed reports that the server could not be restarted after
// a protected region. Cause holds the error the protected region itself
// returned, if any.
type ServerRestoreFailed struct {
	DataDir string
	Err     error
	Cause   error
}

func (e *ServerRestoreFailed) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("server at %s was not restarted: %v", e.DataDir, e.Err)
	}
	return fmt.Sprintf("server at %s was not restarted: %v (after: %v)", e.DataDir, e.Err, e.Cause)
}

// Unwrap exposes both the restart failure and the original failure.
func (e *ServerRestoreFailed) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// DdlReplayError reports a replayed statement that the server rejected.
// Index is the statement's 0-based position in its file's sequence.
type DdlReplayError struct {
	File      string
	Index     int
	Statement string
	Err       error
}

func (e *DdlReplayError) Error() string {
	return fmt.Sprintf("replay %s: statement %d (%s): %v", e.File, e.Index, abbreviate(e.Statement, 80), e.Err)
}

func (e *DdlReplayError) Unwrap() error { return e.Err }

// IdentityMismatchError reports a difference between the tables the store
// holds and the tables the target schema contains after replay.
type IdentityMismatchError struct {
	Missing []string // in the store, absent from the schema
	Extra   []string // in the schema, absent from the store
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("table set mismatch: missing from schema %v, not in store %v", e.Missing, e.Extra)
}

// StoreInconsistentError reports a relocation store whose contents violate
// its own invariants (data/ddl name sets differ, checksum mismatch, ...).
type StoreInconsistentError struct {
	Path   string
	Reason string
}

func (e *StoreInconsistentError) Error() string {
	return fmt.Sprintf("relocation store %s is inconsistent: %s", e.Path, e.Reason)
}

// Severe reports whether err carries a condition that needs manual
// intervention: a dangling table or a server that was not restarted.
func Severe(err error) bool {
	var dt *DanglingTableError
	var sr *ServerRestoreFailed
	return errors.As(err, &dt) || errors.As(err, &sr)
}

func abbreviate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
