package workflow

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"pefs/internal/catalog"
	"pefs/internal/metrics"
	"pefs/internal/relocate"
	"pefs/internal/store"
)

// Clone copies every table of opts.Schema in opts.Database into the
// relocation store, together with its captured definition.
//
// Resolution and preparation failures abort before the server is touched.
// An existing store subtree for the database is reported as
// *errs.AlreadyExistsError and left as it is. If clone fails after creating
// the subtree, the subtree is removed again: nothing references it yet.
func Clone(ctx context.Context, env Env, opts Options) (rep *Report, err error) {
	started := time.Now()
	rep = newReport("clone", opts)
	log := env.logger().With("op", rep.Op, "run_id", rep.RunID, "database", opts.Database, "schema", rep.Schema)
	defer func() {
		rep.Duration = time.Since(started)
		metrics.RecordStep(rep.Op, "workflow", err, rep.Duration)
	}()

	// 1. Resolve.
	snap, err := catalog.NewInspector(env.Session).Snapshot(ctx, opts.Database, rep.Schema)
	if err != nil {
		return rep, err
	}
	names := snap.Tables.Names()
	for _, name := range names {
		if err := store.ValidTableName(name); err != nil {
			return rep, err
		}
		path, _ := snap.Path(name)
		if err := relocate.CheckSingleSegment(name, path); err != nil {
			return rep, err
		}
		if tp, ok := snap.ToastPath(name); ok {
			if err := relocate.CheckNoToast(name, tp); err != nil {
				return rep, err
			}
		}
	}
	log.Info("resolved", "pgdata", snap.PGData, "database_oid", snap.Database.OID, "tables", len(names))

	// 2. Create the store subtree.
	dir, err := storeDir(opts)
	if err != nil {
		return rep, err
	}
	if err := dir.Create(); err != nil {
		return rep, err
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := os.RemoveAll(dir.Path); rerr != nil {
			log.Warn("remove incomplete store", "path", dir.Path, "err", rerr)
		}
	}()

	// 3. Capture definitions while the server is up.
	for _, name := range names {
		text, err := env.Capture.Capture(ctx, opts.Database, name)
		if err != nil {
			return rep, err
		}
		if err := dir.WriteDDL(name, text); err != nil {
			return rep, err
		}
		metrics.RecordTables(rep.Op, "captured", 1)
		log.Debug("captured ddl", "table", name, "bytes", len(text))
	}

	// 4. Copy under the cold swap.
	manifest := &store.Manifest{
		RunID:        rep.RunID,
		Database:     snap.Database.Name,
		DatabaseOID:  uint32(snap.Database.OID),
		Schema:       snap.Schema.Name,
		SourcePGData: snap.PGData,
		CreatedAt:    started.UTC(),
		Tables:       make(map[string]store.TableEntry, len(names)),
	}
	copyAll := func(ctx context.Context) error {
		for _, name := range names {
			path, _ := snap.Path(name)
			dst := dir.DataPath(name)
			res, err := relocate.CopyToStore(name, path, dst)
			if err != nil {
				return err
			}
			if opts.Verify {
				if err := relocate.VerifyCopy(ctx, name, path, dst); err != nil {
					return err
				}
			}
			manifest.Tables[name] = store.TableEntry{SourceNode: uint32(snap.Tables[name]), Bytes: res.Bytes, XXH3: res.Hex()}
			rep.Tables = append(rep.Tables, TableReport{Name: name, Node: snap.Tables[name], Path: path, Store: dst, Bytes: res.Bytes})
			metrics.RecordTables(rep.Op, "copied", 1)
			metrics.RecordBytes(rep.Op, res.Bytes)
			log.Info("copied", "table", name, "size", humanize.IBytes(uint64(res.Bytes)), "xxh3", res.Hex())
		}
		return nil
	}
	if len(names) == 0 {
		log.Info("schema has no tables, server left running")
	} else {
		orch, err := env.orchestrator(rep.Op, snap, heapPaths(snap, names), opts, log)
		if err != nil {
			return rep, err
		}
		if err := orch.Run(ctx, copyAll); err != nil {
			return rep, err
		}
	}

	// 5. Manifest.
	if err := dir.WriteManifest(manifest); err != nil {
		return rep, fmt.Errorf("clone %s: %w", opts.Database, err)
	}
	log.Info("clone finished", "tables", len(rep.Tables), "size", humanize.IBytes(uint64(rep.Bytes())), "duration", time.Since(started))
	return rep, nil
}
