// Package catalog resolves logical names (database, schema, table) to the
// identifiers and file paths the server uses on disk.
//
// Every method is a read-only query against the live session. Results are
// snapshots: they are never cached beyond one Snapshot call, and a snapshot
// taken before a DDL replay must not be used after it, because replay
// creates new relations with new file nodes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"

	"pefs/internal/errs"
)

// OID is a server-assigned object identifier.
type OID uint32

func (o OID) String() string { return strconv.FormatUint(uint64(o), 10) }

// Querier is the subset of a pgx connection the inspector needs.
// *pg.Session satisfies it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Database is a resolved database.
type Database struct {
	Name string
	OID  OID
}

// Schema is a resolved namespace in the connected database.
type Schema struct {
	Name string
	OID  OID
}

// TableSet maps table name to the physical identifier (file node) of the
// table's main fork.
type TableSet map[string]OID

// Names returns the table names in sorted order.
func (ts TableSet) Names() []string {
	out := make([]string, 0, len(ts))
	for n := range ts {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

const (
	pgdataSQL   = `SHOW data_directory`
	databaseSQL = `SELECT oid FROM pg_catalog.pg_database WHERE datname = $1`
	schemaSQL   = `SELECT oid FROM pg_catalog.pg_namespace WHERE nspname = $1`

	// One row per ordinary table; a single row with NULL columns when the
	// namespace exists but is empty; no rows when the namespace is gone.
	// Mapped relations report relfilenode 0, so fall back to the oid.
	tablesSQL = `
SELECT c.relname,
       CASE WHEN c.relfilenode = 0 THEN c.oid ELSE c.relfilenode END
FROM pg_catalog.pg_namespace n
LEFT JOIN pg_catalog.pg_class c
       ON c.relnamespace = n.oid AND c.relkind = 'r'
WHERE n.oid = $1
ORDER BY c.relname`

	// File node of the TOAST relation of every ordinary table that has one.
	toastSQL = `
SELECT c.relname,
       CASE WHEN t.relfilenode = 0 THEN t.oid ELSE t.relfilenode END
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_class t ON t.oid = c.reltoastrelid
WHERE c.relnamespace = $1 AND c.relkind = 'r'
ORDER BY c.relname`
)

// Inspector runs catalog lookups through a Querier.
type Inspector struct {
	q Querier
}

// NewInspector returns an Inspector bound to q.
func NewInspector(q Querier) *Inspector { return &Inspector{q: q} }

// ResolvePGData returns the server's data directory.
func (in *Inspector) ResolvePGData(ctx context.Context) (string, error) {
	var dir string
	if err := in.q.QueryRow(ctx, pgdataSQL).Scan(&dir); err != nil {
		return "", fmt.Errorf("show data_directory: %w", err)
	}
	return dir, nil
}

// ResolveDatabase looks up a database by name.
func (in *Inspector) ResolveDatabase(ctx context.Context, name string) (Database, error) {
	oid, err := in.lookupOID(ctx, databaseSQL, "database", name)
	if err != nil {
		return Database{}, err
	}
	return Database{Name: name, OID: oid}, nil
}

// ResolveSchema looks up a namespace by name in the connected database.
func (in *Inspector) ResolveSchema(ctx context.Context, name string) (Schema, error) {
	oid, err := in.lookupOID(ctx, schemaSQL, "schema", name)
	if err != nil {
		return Schema{}, err
	}
	return Schema{Name: name, OID: oid}, nil
}

func (in *Inspector) lookupOID(ctx context.Context, sql, kind, name string) (OID, error) {
	var oid uint32
	err := in.q.QueryRow(ctx, sql, name).Scan(&oid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &errs.NotFoundError{Kind: kind, Name: name}
	}
	if err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", kind, name, err)
	}
	return OID(oid), nil
}

// ResolveTables returns the ordinary tables of the namespace schemaID.
func (in *Inspector) ResolveTables(ctx context.Context, schemaID OID) (TableSet, error) {
	rows, err := in.q.Query(ctx, tablesSQL, uint32(schemaID))
	if err != nil {
		return nil, fmt.Errorf("list tables of schema %d: %w", schemaID, err)
	}
	defer rows.Close()

	var (
		tables = TableSet{}
		seen   bool
	)
	for rows.Next() {
		seen = true
		var (
			name *string
			node *uint32
		)
		if err := rows.Scan(&name, &node); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		if name == nil || node == nil {
			continue
		}
		tables[*name] = OID(*node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables of schema %d: %w", schemaID, err)
	}
	if !seen {
		return nil, &errs.NotFoundError{Kind: "schema oid", Name: schemaID.String()}
	}
	return tables, nil
}

// ResolveToast returns the TOAST relation file node of each ordinary table
// of schemaID that has one. Tables without a TOAST relation are absent.
func (in *Inspector) ResolveToast(ctx context.Context, schemaID OID) (TableSet, error) {
	rows, err := in.q.Query(ctx, toastSQL, uint32(schemaID))
	if err != nil {
		return nil, fmt.Errorf("list toast relations of schema %d: %w", schemaID, err)
	}
	defer rows.Close()

	toast := TableSet{}
	for rows.Next() {
		var (
			name string
			node uint32
		)
		if err := rows.Scan(&name, &node); err != nil {
			return nil, fmt.Errorf("scan toast row: %w", err)
		}
		toast[name] = OID(node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list toast relations of schema %d: %w", schemaID, err)
	}
	return toast, nil
}

// PhysicalPath returns the main-fork file of a relation in the default
// tablespace: <pgdata>/base/<databaseID>/<tableID>.
func PhysicalPath(pgdata string, databaseID, tableID OID) string {
	return filepath.Join(pgdata, "base", databaseID.String(), tableID.String())
}

// Snapshot is one consistent refresh of everything a workflow needs.
type Snapshot struct {
	PGData   string
	Database Database
	Schema   Schema
	Tables   TableSet
	Toast    TableSet // table name -> TOAST relation file node
}

// Path returns the physical path of table, and false if the snapshot has
// no such table.
func (s *Snapshot) Path(table string) (string, bool) {
	node, ok := s.Tables[table]
	if !ok {
		return "", false
	}
	return PhysicalPath(s.PGData, s.Database.OID, node), true
}

// ToastPath returns the heap file of table's TOAST relation, and false if
// the table has none.
func (s *Snapshot) ToastPath(table string) (string, bool) {
	node, ok := s.Toast[table]
	if !ok {
		return "", false
	}
	return PhysicalPath(s.PGData, s.Database.OID, node), true
}

// Snapshot resolves the data directory, database, schema, tables and their
// TOAST relations in that order.
func (in *Inspector) Snapshot(ctx context.Context, database, schema string) (*Snapshot, error) {
	pgdata, err := in.ResolvePGData(ctx)
	if err != nil {
		return nil, err
	}
	db, err := in.ResolveDatabase(ctx, database)
	if err != nil {
		return nil, err
	}
	sc, err := in.ResolveSchema(ctx, schema)
	if err != nil {
		return nil, err
	}
	tables, err := in.ResolveTables(ctx, sc.OID)
	if err != nil {
		return nil, err
	}
	toast, err := in.ResolveToast(ctx, sc.OID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{PGData: pgdata, Database: db, Schema: sc, Tables: tables, Toast: toast}, nil
}
