package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "relocation.cache_drop").
// Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate performs static checks over a fully layered Config. It does not
// touch the network or the filesystem.
func Validate(c Config) []Issue {
	var issues []Issue
	issues = append(issues, validateConnection(c.Connection)...)
	if strings.TrimSpace(c.Schema) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "schema",
			Message:  "schema must not be empty",
		})
	}
	issues = append(issues, validateTools(c.Tools)...)
	issues = append(issues, validateRelocation(c.Relocation)...)
	issues = append(issues, validateMetrics(c.Metrics)...)
	issues = append(issues, validateLog(c.Log)...)
	return issues
}

func validateConnection(c Connection) []Issue {
	var issues []Issue
	if c.DSN != "" {
		if _, err := pgx.ParseConfig(c.DSN); err != nil {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "connection.dsn",
				Message:  fmt.Sprintf("dsn does not parse: %v", err),
			})
		}
	}
	if c.Password != "" && c.DSN == "" && c.Host == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "connection.password",
			Message:  "password set without host; the local socket usually authenticates by peer",
		})
	}
	return issues
}

func validateTools(t Tools) []Issue {
	var issues []Issue
	if strings.TrimSpace(t.PgCtl) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "tools.pg_ctl",
			Message:  "pg_ctl must not be empty; it stops and starts the server",
		})
	}
	if strings.TrimSpace(t.PgDump) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "tools.pg_dump",
			Message:  "pg_dump must not be empty; clone captures table definitions with it",
		})
	}
	for i, a := range t.PgDumpArgs {
		switch {
		case a == "--data-only" || a == "-a":
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("tools.pg_dump_args[%d]", i),
				Message:  "pg_dump_args must not request data; definitions are captured schema-only",
			})
		case a == "-t" || strings.HasPrefix(a, "--table"):
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("tools.pg_dump_args[%d]", i),
				Message:  "pg_dump_args must not select tables; each table is dumped on its own",
			})
		}
	}
	if t.StartTimeout < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "tools.start_timeout",
			Message:  "start_timeout must not be negative",
		})
	}
	return issues
}

func validateRelocation(r Relocation) []Issue {
	var issues []Issue
	switch r.CacheDrop {
	case "", CacheAuto, CacheGlobal, CacheFiles:
	case CacheNone:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "relocation.cache_drop",
			Message:  "cache invalidation disabled; stale pages of replaced heap files may be served after restart",
		})
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "relocation.cache_drop",
			Message:  fmt.Sprintf("unknown cache_drop %q; want auto, global, files or none", r.CacheDrop),
		})
	}
	if r.SettleDelay < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "relocation.settle_delay",
			Message:  "settle_delay must not be negative",
		})
	}
	if !r.Verify {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "relocation.verify",
			Message:  "verification disabled; copies and store files are not checksummed",
		})
	}
	if !r.Reindex {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "relocation.reindex",
			Message:  "reindex disabled; indexes of linked tables stay empty and index scans miss rows until REINDEX",
		})
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	switch m.Backend {
	case "", MetricsNone:
	case MetricsPrometheus:
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.pushgateway_url",
				Message:  "prometheus backend requires pushgateway_url",
			})
		} else if u, err := url.Parse(m.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.pushgateway_url",
				Message:  fmt.Sprintf("pushgateway_url %q is not an absolute URL", m.PushgatewayURL),
			})
		}
	case MetricsDatadog:
		if strings.TrimSpace(m.StatsdAddr) == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.statsd_addr",
				Message:  "datadog backend without statsd_addr sends to " + DefaultStatsdAddr,
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q; want none, prometheus or datadog", m.Backend),
		})
	}
	return issues
}

func validateLog(l Log) []Issue {
	var issues []Issue
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "log.level",
			Message:  fmt.Sprintf("unknown log level %q", l.Level),
		})
	}
	switch l.Format {
	case "", "text", "json":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "log.format",
			Message:  fmt.Sprintf("unknown log format %q; want text or json", l.Format),
		})
	}
	return issues
}
