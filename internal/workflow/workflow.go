// Package workflow composes catalog resolution, DDL capture and replay, the
// cold swap and the file relocator into the two user-facing operations,
// Clone and Link.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"pefs/internal/cache"
	"pefs/internal/catalog"
	"pefs/internal/coldswap"
	"pefs/internal/ddl"
	"pefs/internal/store"
)

// Session is the live connection a workflow runs its queries through. It
// is released before the server stops. *pg.Session satisfies it.
type Session interface {
	catalog.Querier
	ddl.Beginner
	coldswap.Releaser
	Reopen(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Capturer returns a table's schema-only definition. *ddl.Capturer
// satisfies it.
type Capturer interface {
	Capture(ctx context.Context, database, table string) ([]byte, error)
}

// Env holds the collaborators of one workflow invocation.
type Env struct {
	Session Session
	Capture Capturer // clone only

	// Server returns the controller for the data directory the catalog
	// reports.
	Server func(dataDir string) coldswap.Controller

	// Cache returns the invalidation capability for the heap files about
	// to be touched. nil skips invalidation.
	Cache func(paths []string) (cache.Dropper, error)

	Logger *slog.Logger
}

// Options select what a workflow operates on.
type Options struct {
	Database string
	Schema   string // "public" when empty
	Root     string // relocation root

	// Verify re-hashes copies after clone and checks store files against
	// the manifest before link.
	Verify bool
	// Reindex rebuilds the indexes of every linked table after link; the
	// replayed indexes were built over empty heaps.
	Reindex bool

	SettleDelay time.Duration
}

func (o Options) schema() string {
	if o.Schema == "" {
		return "public"
	}
	return o.Schema
}

// TableReport describes one relocated table.
type TableReport struct {
	Name  string
	Node  catalog.OID
	Path  string // heap file in the data directory
	Store string // file in the relocation store
	Bytes int64
}

// Report summarizes a finished workflow.
type Report struct {
	RunID    string
	Op       string
	Database string
	Schema   string
	Tables   []TableReport
	Duration time.Duration
}

// Bytes is the total size of all relocated tables.
func (r *Report) Bytes() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Bytes
	}
	return n
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func newReport(op string, opts Options) *Report {
	return &Report{RunID: uuid.NewString(), Op: op, Database: opts.Database, Schema: opts.schema()}
}

// storeDir resolves the database subtree. Link targets must be absolute so
// symbolic links keep working regardless of the server's working directory.
func storeDir(opts Options) (*store.DatabaseDir, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("relocation root %q: %w", opts.Root, err)
	}
	return store.Store{Root: root}.Database(opts.Database), nil
}

// orchestrator builds the cold swap for the snapshot's server and the given
// heap files.
func (e Env) orchestrator(op string, snap *catalog.Snapshot, paths []string, opts Options, log *slog.Logger) (*coldswap.Orchestrator, error) {
	var dropper cache.Dropper
	if e.Cache != nil {
		d, err := e.Cache(paths)
		if err != nil {
			return nil, err
		}
		dropper = d
	}
	return &coldswap.Orchestrator{
		Session:     e.Session,
		Server:      e.Server(snap.PGData),
		Cache:       dropper,
		DataDir:     snap.PGData,
		SettleDelay: opts.SettleDelay,
		Op:          op,
		Logger:      log,
	}, nil
}

// heapPaths returns the heap files of names, in the same order.
func heapPaths(snap *catalog.Snapshot, names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if p, ok := snap.Path(n); ok {
			out = append(out, p)
		}
	}
	return out
}
