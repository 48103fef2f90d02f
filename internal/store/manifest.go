package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"pefs/internal/errs"
)

// ManifestVersion is the format written by this package.
const ManifestVersion = 1

// Manifest records what clone put into a database subtree.
type Manifest struct {
	Version      int                   `json:"version"`
	RunID        string                `json:"run_id"`
	Database     string                `json:"database"`
	DatabaseOID  uint32                `json:"database_oid"`
	Schema       string                `json:"schema"`
	SourcePGData string                `json:"source_pgdata"`
	CreatedAt    time.Time             `json:"created_at"`
	Tables       map[string]TableEntry `json:"tables"`
}

// TableEntry describes one relocated heap file.
type TableEntry struct {
	SourceNode uint32 `json:"source_node"`
	Bytes      int64  `json:"bytes"`
	XXH3       string `json:"xxh3"`
}

// WriteManifest writes m atomically (temp file + rename).
func (d *DatabaseDir) WriteManifest(m *Manifest) error {
	if m.Version == 0 {
		m.Version = ManifestVersion
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	p := d.ManifestPath()
	tmp := p + partialExt
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return &errs.FilesystemError{Op: "write manifest", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return &errs.FilesystemError{Op: "write manifest", Path: p, Err: err}
	}
	return nil
}

// ReadManifest loads the manifest. It returns (nil, nil) when the store has
// none, e.g. one written by an older tool.
func (d *DatabaseDir) ReadManifest() (*Manifest, error) {
	p := d.ManifestPath()
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.FilesystemError{Op: "read manifest", Path: p, Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &errs.StoreInconsistentError{Path: d.Path, Reason: fmt.Sprintf("manifest: %v", err)}
	}
	if m.Version > ManifestVersion {
		return nil, &errs.StoreInconsistentError{
			Path:   d.Path,
			Reason: fmt.Sprintf("manifest version %d is newer than supported %d", m.Version, ManifestVersion),
		}
	}
	return &m, nil
}
