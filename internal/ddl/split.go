// Package ddl captures table definitions with pg_dump and replays them
// against a target server.
//
// Split is a line-oriented heuristic, not a SQL lexer: it understands
// neither terminators inside string literals or quoted identifiers nor
// block comments. pg_dump --schema-only output keeps every statement
// terminator at the end of a line, which is all Split relies on.
package ddl

import "strings"

// commentPrefix marks a line that is dropped entirely.
const commentPrefix = "--"

// Split turns a script into individual statements.
//
// Lines starting with "--" are skipped. Every other line is appended to the
// current statement without its newline; a line that itself ends with ";"
// completes the statement. A trailing statement without a terminator is
// kept unless it is empty or whitespace. Order is preserved.
func Split(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(line, commentPrefix) {
			continue
		}
		cur.WriteString(line)
		if strings.HasSuffix(line, ";") {
			stmts = append(stmts, cur.String())
			cur.Reset()
		}
	}
	if rest := cur.String(); strings.TrimSpace(rest) != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}
