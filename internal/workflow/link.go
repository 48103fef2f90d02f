package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5"

	"pefs/internal/catalog"
	"pefs/internal/ddl"
	"pefs/internal/errs"
	"pefs/internal/metrics"
	"pefs/internal/relocate"
	"pefs/internal/store"
)

// Link recreates the stored tables in opts.Database from their captured
// definitions and replaces each new heap file with a symbolic link into the
// relocation store.
//
// Every check that can fail without mutating anything runs first: the
// target must resolve, the store must be consistent, the replayed schema
// must contain exactly the stored tables. All links are staged under
// temporary names before the first one is committed.
func Link(ctx context.Context, env Env, opts Options) (rep *Report, err error) {
	started := time.Now()
	rep = newReport("link", opts)
	log := env.logger().With("op", rep.Op, "run_id", rep.RunID, "database", opts.Database, "schema", rep.Schema)
	defer func() {
		rep.Duration = time.Since(started)
		metrics.RecordStep(rep.Op, "workflow", err, rep.Duration)
	}()

	inspector := catalog.NewInspector(env.Session)
	if _, err := inspector.Snapshot(ctx, opts.Database, rep.Schema); err != nil {
		return rep, err
	}

	// 0. Validate the store.
	dir, err := storeDir(opts)
	if err != nil {
		return rep, err
	}
	ok, err := dir.Exists()
	if err != nil {
		return rep, err
	}
	if !ok {
		return rep, &errs.NotFoundError{Kind: "relocation store", Name: dir.Path}
	}
	names, err := dir.Tables()
	if err != nil {
		return rep, err
	}
	for _, name := range names {
		if err := store.ValidTableName(name); err != nil {
			return rep, err
		}
	}
	if err := checkManifest(dir, names, opts.Verify, log); err != nil {
		return rep, err
	}
	log.Info("store validated", "path", dir.Path, "tables", len(names))

	// 1. Replay definitions, one transaction per file.
	replayer := &ddl.Replayer{DB: env.Session}
	for _, name := range names {
		text, err := dir.ReadDDL(name)
		if err != nil {
			return rep, err
		}
		n, err := replayer.ReplayFile(ctx, name, text)
		if err != nil {
			return rep, err
		}
		metrics.RecordTables(rep.Op, "replayed", 1)
		log.Debug("replayed ddl", "table", name, "statements", n)
	}

	// 2. Replay assigned new file nodes; resolve again.
	snap, err := inspector.Snapshot(ctx, opts.Database, rep.Schema)
	if err != nil {
		return rep, err
	}

	// 3. The schema must hold exactly the stored tables.
	if missing, extra := store.Diff(names, snap.Tables.Names()); len(missing) > 0 || len(extra) > 0 {
		return rep, &errs.IdentityMismatchError{Missing: missing, Extra: extra}
	}
	byName := make(map[string]string, len(snap.Tables))
	for _, t := range snap.Tables.Names() {
		byName[store.Normalize(t)] = t
	}
	for _, name := range names {
		table := byName[store.Normalize(name)]
		path, _ := snap.Path(table)
		dst := dir.DataPath(name)
		fi, err := os.Stat(dst)
		if err != nil {
			return rep, &errs.FilesystemError{Op: "stat", Table: table, Path: dst, Err: err}
		}
		rep.Tables = append(rep.Tables, TableReport{Name: table, Node: snap.Tables[table], Path: path, Store: dst, Bytes: fi.Size()})
	}
	log.Info("resolved", "pgdata", snap.PGData, "database_oid", snap.Database.OID, "tables", len(rep.Tables))

	if len(rep.Tables) == 0 {
		log.Info("store has no tables, server left running")
		return rep, nil
	}

	// 4-5. Stage, commit and verify under the cold swap.
	paths := make([]string, len(rep.Tables))
	for i, t := range rep.Tables {
		paths[i] = t.Path
	}
	orch, err := env.orchestrator(rep.Op, snap, paths, opts, log)
	if err != nil {
		return rep, err
	}
	if err := orch.Run(ctx, func(ctx context.Context) error { return linkAll(rep, log) }); err != nil {
		return rep, err
	}

	// 6. Indexes were built over empty heaps.
	if opts.Reindex {
		if err := reindex(ctx, env.Session, rep); err != nil {
			return rep, err
		}
		log.Info("reindexed", "tables", len(rep.Tables))
	} else {
		log.Warn("reindex skipped; indexes of linked tables were built over empty heaps and miss rows until REINDEX", "tables", len(rep.Tables))
	}
	log.Info("link finished", "tables", len(rep.Tables), "size", humanize.IBytes(uint64(rep.Bytes())), "duration", time.Since(started))
	return rep, nil
}

// linkAll stages every link first and only then commits, so a failure
// while preparing leaves every table on its old storage.
func linkAll(rep *Report, log *slog.Logger) error {
	staged := make([]*relocate.Staged, 0, len(rep.Tables))
	for _, t := range rep.Tables {
		s, err := relocate.Stage(t.Name, t.Path, t.Store)
		if err != nil {
			if aerr := relocate.AbortAll(staged); aerr != nil {
				return fmt.Errorf("%w (abort: %v)", err, aerr)
			}
			return err
		}
		staged = append(staged, s)
	}
	for i, s := range staged {
		if err := s.Commit(); err != nil {
			if aerr := relocate.AbortAll(staged[i:]); aerr != nil {
				return fmt.Errorf("%w (abort: %v)", err, aerr)
			}
			return err
		}
		metrics.RecordTables(rep.Op, "linked", 1)
		metrics.RecordBytes(rep.Op, rep.Tables[i].Bytes)
		log.Info("linked", "table", s.Table, "target", s.Target)
	}
	for _, t := range rep.Tables {
		if err := relocate.Verify(t.Name, t.Path, t.Store); err != nil {
			return err
		}
	}
	return nil
}

// checkManifest compares the store against its manifest when there is one.
func checkManifest(dir *store.DatabaseDir, names []string, verify bool, log *slog.Logger) error {
	m, err := dir.ReadManifest()
	if err != nil {
		return err
	}
	if m == nil {
		if verify {
			log.Warn("store has no manifest, skipping checksum verification", "path", dir.Path)
		}
		return nil
	}
	listed := make([]string, 0, len(m.Tables))
	for n := range m.Tables {
		listed = append(listed, n)
	}
	sort.Strings(listed)
	if missing, extra := store.Diff(listed, names); len(missing) > 0 || len(extra) > 0 {
		return &errs.StoreInconsistentError{
			Path:   dir.Path,
			Reason: fmt.Sprintf("manifest lists %v not in store, store has %v not in manifest", missing, extra),
		}
	}
	if !verify {
		return nil
	}
	for _, n := range listed {
		e := m.Tables[n]
		if err := relocate.VerifyChecksum(n, dir.DataPath(n), e.Bytes, e.XXH3); err != nil {
			return err
		}
	}
	return nil
}

func reindex(ctx context.Context, s Session, rep *Report) error {
	if err := s.Reopen(ctx); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	for _, t := range rep.Tables {
		sql := "REINDEX TABLE " + pgx.Identifier{rep.Schema, t.Name}.Sanitize()
		if _, err := s.Exec(ctx, sql); err != nil {
			return fmt.Errorf("reindex %s: %w", t.Name, err)
		}
	}
	return nil
}
