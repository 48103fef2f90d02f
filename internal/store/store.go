// Package store lays out the relocation store on the shared filesystem.
//
// For a store rooted at R and a database D:
//
//	R/D/data/<table>      relocated heap file (after link: the table's only storage)
//	R/D/ddl/<table>       captured schema definition, one file per table
//	R/D/manifest.json     checksums and source identifiers written by clone
//
// The table names under data/ and ddl/ must be identical. Names are compared
// in Unicode NFC so a store written on one platform and listed on another
// (macOS returns decomposed names) still matches the catalog.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"pefs/internal/errs"
)

const (
	dataDir      = "data"
	ddlDir       = "ddl"
	manifestFile = "manifest.json"
	partialExt   = ".partial"
)

// Store is a relocation root.
type Store struct {
	Root string
}

// Database returns the subtree for database name.
func (s Store) Database(name string) *DatabaseDir {
	return &DatabaseDir{Name: name, Path: filepath.Join(s.Root, name)}
}

// DatabaseDir is the subtree R/D of one database.
type DatabaseDir struct {
	Name string
	Path string
}

// DataPath returns R/D/data/<table>.
func (d *DatabaseDir) DataPath(table string) string {
	return filepath.Join(d.Path, dataDir, table)
}

// DDLPath returns R/D/ddl/<table>.
func (d *DatabaseDir) DDLPath(table string) string {
	return filepath.Join(d.Path, ddlDir, table)
}

// ManifestPath returns R/D/manifest.json.
func (d *DatabaseDir) ManifestPath() string {
	return filepath.Join(d.Path, manifestFile)
}

// Normalize returns the form table names are compared in.
func Normalize(name string) string { return norm.NFC.String(name) }

// ValidTableName reports whether name can be stored as a single file name.
func ValidTableName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("table name %q cannot be used as a file name", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("table name %q contains a path separator or NUL", name)
	case name == manifestFile, strings.HasSuffix(name, partialExt):
		return fmt.Errorf("table name %q collides with a store file", name)
	}
	return nil
}

// Create makes R/D, R/D/data and R/D/ddl. It fails with
// *errs.AlreadyExistsError if R/D exists, without touching it. The root
// itself must already exist.
func (d *DatabaseDir) Create() error {
	if err := os.Mkdir(d.Path, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &errs.AlreadyExistsError{Path: d.Path}
		}
		return &errs.FilesystemError{Op: "mkdir", Path: d.Path, Err: err}
	}
	for _, sub := range []string{dataDir, ddlDir} {
		p := filepath.Join(d.Path, sub)
		if err := os.Mkdir(p, 0o755); err != nil {
			return &errs.FilesystemError{Op: "mkdir", Path: p, Err: err}
		}
	}
	return nil
}

// Exists reports whether R/D is present.
func (d *DatabaseDir) Exists() (bool, error) {
	_, err := os.Stat(d.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &errs.FilesystemError{Op: "stat", Path: d.Path, Err: err}
}

// WriteDDL stores the captured definition of table. It never overwrites.
func (d *DatabaseDir) WriteDDL(table string, text []byte) error {
	p := d.DDLPath(table)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return &errs.FilesystemError{Op: "write ddl", Table: table, Path: p, Err: err}
	}
	if _, err := f.Write(text); err != nil {
		f.Close()
		return &errs.FilesystemError{Op: "write ddl", Table: table, Path: p, Err: err}
	}
	if err := f.Close(); err != nil {
		return &errs.FilesystemError{Op: "write ddl", Table: table, Path: p, Err: err}
	}
	return nil
}

// ReadDDL returns the captured definition of table.
func (d *DatabaseDir) ReadDDL(table string) ([]byte, error) {
	p := d.DDLPath(table)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, &errs.FilesystemError{Op: "read ddl", Table: table, Path: p, Err: err}
	}
	return b, nil
}

// Tables lists the stored table names (as found on disk, sorted) after
// checking that data/ and ddl/ hold the same set.
func (d *DatabaseDir) Tables() ([]string, error) {
	ddl, err := d.list(ddlDir)
	if err != nil {
		return nil, err
	}
	data, err := d.list(dataDir)
	if err != nil {
		return nil, err
	}
	if missing, extra := Diff(ddl, data); len(missing) > 0 || len(extra) > 0 {
		return nil, &errs.StoreInconsistentError{
			Path:   d.Path,
			Reason: fmt.Sprintf("ddl without data %v, data without ddl %v", missing, extra),
		}
	}
	return ddl, nil
}

func (d *DatabaseDir) list(sub string) ([]string, error) {
	p := filepath.Join(d.Path, sub)
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, &errs.FilesystemError{Op: "list", Path: p, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Diff compares two name sets in normalized form. missing holds names in
// want that got lacks; extra holds names in got that want lacks. Both are
// sorted.
func Diff(want, got []string) (missing, extra []string) {
	gotSet := make(map[string]struct{}, len(got))
	for _, n := range got {
		gotSet[Normalize(n)] = struct{}{}
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, n := range want {
		k := Normalize(n)
		wantSet[k] = struct{}{}
		if _, ok := gotSet[k]; !ok {
			missing = append(missing, n)
		}
	}
	for _, n := range got {
		if _, ok := wantSet[Normalize(n)]; !ok {
			extra = append(extra, n)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}
