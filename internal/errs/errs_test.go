package errs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestServerRestoreFailed_UnwrapsBoth(t *testing.T) {
	restart := errors.New("pg_ctl start failed")
	cause := &FilesystemError{Op: "copy", Table: "t", Path: "/x", Err: os.ErrNotExist}

	err := fmt.Errorf("clone: %w", &ServerRestoreFailed{DataDir: "/pgdata", Err: restart, Cause: cause})

	if !errors.Is(err, restart) {
		t.Fatalf("errors.Is(restart) = false; want true")
	}
	var fsErr *FilesystemError
	if !errors.As(err, &fsErr) {
		t.Fatalf("errors.As(*FilesystemError) = false; want true")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("errors.Is(os.ErrNotExist) = false; want true")
	}
	if !strings.Contains(err.Error(), "after:") {
		t.Fatalf("message %q does not mention the original failure", err.Error())
	}
}

func TestSevere(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", &NotFoundError{Kind: "database", Name: "x"}, false},
		{"filesystem", &FilesystemError{Op: "copy", Err: os.ErrExist}, false},
		{"dangling", fmt.Errorf("link: %w", &DanglingTableError{Table: "t", Err: os.ErrPermission}), true},
		{"restore", &ServerRestoreFailed{Err: errors.New("boom")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Severe(tt.err); got != tt.want {
				t.Errorf("Severe(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDdlReplayError_AbbreviatesStatement(t *testing.T) {
	stmt := "CREATE TABLE t (" + strings.Repeat("a int, ", 40) + "b int);"
	e := &DdlReplayError{File: "t", Index: 3, Statement: stmt, Err: errors.New("syntax error")}

	msg := e.Error()
	if !strings.Contains(msg, "statement 3") {
		t.Fatalf("message %q missing statement index", msg)
	}
	if strings.Contains(msg, "b int);") {
		t.Fatalf("message %q was not abbreviated", msg)
	}
}

func TestProcessError_Message(t *testing.T) {
	e := &ProcessError{Command: "pg_ctl", Args: []string{"stop", "-m", "fast"}, ExitCode: 1, Stderr: "no server running"}
	want := "pg_ctl stop -m fast: exit 1 (stderr: no server running)"
	if got := e.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
