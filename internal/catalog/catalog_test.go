package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pefs/internal/errs"
)

// fakeQuerier answers queries from canned results keyed by the first word
// pattern of the SQL text and records every call.
type fakeQuerier struct {
	pgdata    string
	databases map[string]uint32
	schemas   map[string]uint32
	tables    map[uint32][][2]any // schema oid -> (name, node) rows; nil name for empty schema
	toast     map[uint32][][2]any // schema oid -> (name, toast node) rows
	queryErr  error
	calls     []string
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, sql)
	switch sql {
	case pgdataSQL:
		return fakeRow{vals: []any{f.pgdata}}
	case databaseSQL:
		if oid, ok := f.databases[args[0].(string)]; ok {
			return fakeRow{vals: []any{oid}}
		}
	case schemaSQL:
		if oid, ok := f.schemas[args[0].(string)]; ok {
			return fakeRow{vals: []any{oid}}
		}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, sql)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if sql == toastSQL {
		return &fakeRows{rows: f.toast[args[0].(uint32)]}, nil
	}
	return &fakeRows{rows: f.tables[args[0].(uint32)]}, nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

type fakeRows struct {
	rows [][2]any
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.i-1][:], nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	return assign(dest, row[:])
}

// assign copies canned values into Scan destinations for the handful of
// types the inspector uses.
func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = vals[i].(string)
		case *uint32:
			*p = vals[i].(uint32)
		case **string:
			if vals[i] == nil {
				*p = nil
				continue
			}
			s := vals[i].(string)
			*p = &s
		case **uint32:
			if vals[i] == nil {
				*p = nil
				continue
			}
			u := vals[i].(uint32)
			*p = &u
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func newFake() *fakeQuerier {
	return &fakeQuerier{
		pgdata:    "/var/lib/postgresql/16/main",
		databases: map[string]uint32{"sales": 16384},
		schemas:   map[string]uint32{"public": 2200, "empty": 16500},
		tables: map[uint32][][2]any{
			2200:  {{"orders", uint32(16402)}, {"customers", uint32(16390)}},
			16500: {{nil, nil}},
		},
		toast: map[uint32][][2]any{
			2200: {{"orders", uint32(16405)}},
		},
	}
}

func TestResolveDatabase(t *testing.T) {
	in := NewInspector(newFake())

	db, err := in.ResolveDatabase(context.Background(), "sales")
	if err != nil {
		t.Fatalf("ResolveDatabase error: %v", err)
	}
	if db.OID != 16384 || db.Name != "sales" {
		t.Fatalf("got %+v, want sales/16384", db)
	}
}

func TestResolve_NotFound(t *testing.T) {
	ctx := context.Background()
	in := NewInspector(newFake())

	tests := []struct {
		name string
		call func() error
		kind string
	}{
		{"database", func() error { _, err := in.ResolveDatabase(ctx, "nope"); return err }, "database"},
		{"schema", func() error { _, err := in.ResolveSchema(ctx, "nope"); return err }, "schema"},
		{"stale schema oid", func() error { _, err := in.ResolveTables(ctx, 99999); return err }, "schema oid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var nf *errs.NotFoundError
			if !errors.As(err, &nf) {
				t.Fatalf("error = %v, want *errs.NotFoundError", err)
			}
			if nf.Kind != tt.kind {
				t.Fatalf("Kind = %q, want %q", nf.Kind, tt.kind)
			}
		})
	}
}

func TestResolveTables(t *testing.T) {
	in := NewInspector(newFake())

	ts, err := in.ResolveTables(context.Background(), 2200)
	if err != nil {
		t.Fatalf("ResolveTables error: %v", err)
	}
	if len(ts) != 2 || ts["orders"] != 16402 || ts["customers"] != 16390 {
		t.Fatalf("got %v", ts)
	}
	if got := strings.Join(ts.Names(), ","); got != "customers,orders" {
		t.Fatalf("Names() = %q, want customers,orders", got)
	}
}

func TestResolveTables_EmptySchema(t *testing.T) {
	in := NewInspector(newFake())

	ts, err := in.ResolveTables(context.Background(), 16500)
	if err != nil {
		t.Fatalf("ResolveTables error: %v", err)
	}
	if len(ts) != 0 {
		t.Fatalf("got %v, want empty set", ts)
	}
}

func TestResolveTables_QueryError(t *testing.T) {
	fq := newFake()
	fq.queryErr = errors.New("conn reset")
	in := NewInspector(fq)

	_, err := in.ResolveTables(context.Background(), 2200)
	if !errors.Is(err, fq.queryErr) {
		t.Fatalf("error = %v, want wrapping %v", err, fq.queryErr)
	}
}

func TestResolveToast(t *testing.T) {
	in := NewInspector(newFake())

	toast, err := in.ResolveToast(context.Background(), 2200)
	if err != nil {
		t.Fatalf("ResolveToast error: %v", err)
	}
	if len(toast) != 1 || toast["orders"] != 16405 {
		t.Fatalf("got %v", toast)
	}

	none, err := in.ResolveToast(context.Background(), 16500)
	if err != nil || len(none) != 0 {
		t.Fatalf("empty schema: %v, %v", none, err)
	}
}

func TestPhysicalPath(t *testing.T) {
	got := PhysicalPath("/pgdata", 16384, 16402)
	want := filepath.Join("/pgdata", "base", "16384", "16402")
	if got != want {
		t.Fatalf("PhysicalPath = %q, want %q", got, want)
	}
}

func TestSnapshot(t *testing.T) {
	fq := newFake()
	in := NewInspector(fq)

	snap, err := in.Snapshot(context.Background(), "sales", "public")
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	p, ok := snap.Path("orders")
	if !ok {
		t.Fatalf("Path(orders) not found")
	}
	if want := filepath.Join(fq.pgdata, "base", "16384", "16402"); p != want {
		t.Fatalf("Path(orders) = %q, want %q", p, want)
	}
	if _, ok := snap.Path("missing"); ok {
		t.Fatalf("Path(missing) reported ok")
	}
	if p, ok := snap.ToastPath("orders"); !ok || p != filepath.Join(fq.pgdata, "base", "16384", "16405") {
		t.Fatalf("ToastPath(orders) = %q, %v", p, ok)
	}
	if _, ok := snap.ToastPath("customers"); ok {
		t.Fatalf("ToastPath(customers) reported ok")
	}
	if len(fq.calls) != 5 {
		t.Fatalf("Snapshot made %d queries, want 5", len(fq.calls))
	}
}

func TestSnapshot_StopsAtFirstMiss(t *testing.T) {
	fq := newFake()
	in := NewInspector(fq)

	_, err := in.Snapshot(context.Background(), "nope", "public")
	var nf *errs.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
	// data_directory + database lookup only.
	if len(fq.calls) != 2 {
		t.Fatalf("made %d queries after miss, want 2", len(fq.calls))
	}
}

// TestInspector_Integration runs only when TEST_PG_DSN is present.
func TestInspector_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("skipping integration test: set TEST_PG_DSN to run")
	}
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)

	_, _ = conn.Exec(ctx, `DROP TABLE IF EXISTS public.__pefs_catalog_test`)
	if _, err := conn.Exec(ctx, `CREATE TABLE public.__pefs_catalog_test (a int)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	defer conn.Exec(ctx, `DROP TABLE IF EXISTS public.__pefs_catalog_test`)

	snap, err := NewInspector(conn).Snapshot(ctx, conn.Config().Database, "public")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.Tables["__pefs_catalog_test"]; !ok {
		t.Fatalf("test table missing from %v", snap.Tables)
	}
}
