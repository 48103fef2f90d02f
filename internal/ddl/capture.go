package ddl

import (
	"context"
	"strconv"
	"strings"

	"pefs/internal/errs"
	"pefs/internal/proc"
)

// Capturer obtains a table's schema-only definition from pg_dump.
type Capturer struct {
	Runner proc.Runner

	PgDump string // pg_dump binary; "pg_dump" when empty
	Schema string // namespace the table lives in; "public" when empty
	Host   string
	Port   uint16
	User   string

	// ExtraArgs are passed to pg_dump before the database name, e.g.
	// "--no-owner" when the target server has different roles.
	ExtraArgs []string
}

// Args returns the pg_dump argument list for one table.
func (c *Capturer) Args(database, table string) []string {
	schema := c.Schema
	if schema == "" {
		schema = "public"
	}
	args := []string{"--schema-only", "-t", quoteIdent(schema) + "." + quoteIdent(table)}
	if c.Host != "" {
		args = append(args, "-h", c.Host)
	}
	if c.Port != 0 {
		args = append(args, "-p", strconv.Itoa(int(c.Port)))
	}
	if c.User != "" {
		args = append(args, "-U", c.User)
	}
	args = append(args, c.ExtraArgs...)
	return append(args, database)
}

// Capture returns the DDL text for database.table. A failing pg_dump is
// reported as *errs.CaptureError wrapping the *errs.ProcessError.
func (c *Capturer) Capture(ctx context.Context, database, table string) ([]byte, error) {
	bin := c.PgDump
	if bin == "" {
		bin = "pg_dump"
	}
	out, err := c.Runner.Run(ctx, bin, c.Args(database, table)...)
	if err != nil {
		return nil, &errs.CaptureError{Table: table, Err: err}
	}
	return out, nil
}

// quoteIdent double-quotes an identifier so pg_dump matches it exactly
// instead of treating it as a case-folded pattern.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
