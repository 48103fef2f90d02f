// Package config defines the configuration model for pefs and the layered
// loading that produces it.
//
// Values come from four layers, later layers overriding earlier ones:
//
//  1. Defaults (Default).
//  2. An optional file: JSON (.json) or YAML (.yaml, .yml), selected by
//     extension. Unknown keys are rejected so typos surface early.
//  3. The environment: the libpq variables PGHOST, PGPORT, PGUSER and
//     PGPASSWORD, plus PEFS_* for everything else (see ApplyEnv).
//  4. Command-line flags, applied by cmd/pefs.
//
// Example (YAML):
//
//	connection:
//	  host: /var/run/postgresql
//	  user: postgres
//	schema: public
//	tools:
//	  pg_ctl: /usr/lib/postgresql/16/bin/pg_ctl
//	  start_timeout: 120s
//	relocation:
//	  cache_drop: files
//	  verify: true
//	metrics:
//	  backend: prometheus
//	  pushgateway_url: http://pushgateway:9091
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete tool configuration.
type Config struct {
	// Connection locates the server. The database comes from the command
	// line, never from here.
	Connection Connection `json:"connection" yaml:"connection"`

	// Schema is the namespace whose tables are relocated.
	Schema string `json:"schema" yaml:"schema"`

	Tools      Tools      `json:"tools" yaml:"tools"`
	Relocation Relocation `json:"relocation" yaml:"relocation"`
	Metrics    Metrics    `json:"metrics" yaml:"metrics"`
	Log        Log        `json:"log" yaml:"log"`
}

// Connection holds libpq-style connection settings. When DSN is set the
// other fields override the values it carries.
type Connection struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     uint16 `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

// Tools names the external programs and how to run them.
type Tools struct {
	// PgCtl and PgDump are looked up on PATH when not absolute.
	PgCtl  string `json:"pg_ctl" yaml:"pg_ctl"`
	PgDump string `json:"pg_dump" yaml:"pg_dump"`

	// PgDumpArgs are extra pg_dump arguments, e.g. ["--no-owner"].
	PgDumpArgs []string `json:"pg_dump_args" yaml:"pg_dump_args"`

	// ServerLog is passed to pg_ctl start as -l. Empty means
	// <data_directory>/pefs-server.log.
	ServerLog string `json:"server_log" yaml:"server_log"`

	// StartTimeout bounds pg_ctl stop/start waits (-t). Zero uses the
	// pg_ctl default.
	StartTimeout Duration `json:"start_timeout" yaml:"start_timeout"`
}

// Relocation tunes the cold swap itself.
type Relocation struct {
	// CacheDrop is one of auto, global, files, none.
	CacheDrop string `json:"cache_drop" yaml:"cache_drop"`

	// SettleDelay is the pause between closing the session and stopping
	// the server.
	SettleDelay Duration `json:"settle_delay" yaml:"settle_delay"`

	// Verify re-hashes copies after clone and checks the store against its
	// manifest before link.
	Verify bool `json:"verify" yaml:"verify"`

	// Reindex rebuilds indexes after link. Replayed indexes were built over
	// empty heaps, so turning it off leaves them unusable until a manual
	// REINDEX.
	Reindex bool `json:"reindex" yaml:"reindex"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is one of none, prometheus, datadog.
	Backend        string `json:"backend" yaml:"backend"`
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`
	StatsdAddr     string `json:"statsd_addr" yaml:"statsd_addr"`
	// Job is the Pushgateway job name.
	Job string `json:"job" yaml:"job"`
}

// Log configures the process logger.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level"`
	// Format is text or json.
	Format string `json:"format" yaml:"format"`
}

// Cache drop modes accepted in Relocation.CacheDrop.
const (
	CacheAuto   = "auto"
	CacheGlobal = "global"
	CacheFiles  = "files"
	CacheNone   = "none"
)

// Metrics backends accepted in Metrics.Backend.
const (
	MetricsNone       = "none"
	MetricsPrometheus = "prometheus"
	MetricsDatadog    = "datadog"
)

// DefaultStatsdAddr is used by the datadog backend when StatsdAddr is empty.
const DefaultStatsdAddr = "127.0.0.1:8125"

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Schema: "public",
		Tools: Tools{
			PgCtl:  "pg_ctl",
			PgDump: "pg_dump",
		},
		Relocation: Relocation{
			CacheDrop:   CacheAuto,
			SettleDelay: Duration(time.Second),
			Verify:      true,
			Reindex:     true,
		},
		Metrics: Metrics{Backend: MetricsNone, Job: "pefs"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load returns Default overlaid with the file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("config %s: unsupported extension %q (want .json, .yaml or .yml)", path, ext)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through lookup (os.LookupEnv
// in production).
//
//	PGHOST PGPORT PGUSER PGPASSWORD
//	PEFS_DSN PEFS_SCHEMA PEFS_PG_CTL PEFS_PG_DUMP PEFS_SERVER_LOG
//	PEFS_CACHE_DROP PEFS_VERIFY PEFS_REINDEX
//	PEFS_METRICS_BACKEND PEFS_PUSHGATEWAY_URL PEFS_STATSD_ADDR
//	PEFS_LOG_LEVEL
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("PGHOST", &c.Connection.Host)
	if v, ok := lookup("PGPORT"); ok && v != "" {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("PGPORT: %w", err)
		}
		c.Connection.Port = uint16(p)
	}
	str("PGUSER", &c.Connection.User)
	str("PGPASSWORD", &c.Connection.Password)

	str("PEFS_DSN", &c.Connection.DSN)
	str("PEFS_SCHEMA", &c.Schema)
	str("PEFS_PG_CTL", &c.Tools.PgCtl)
	str("PEFS_PG_DUMP", &c.Tools.PgDump)
	str("PEFS_SERVER_LOG", &c.Tools.ServerLog)
	str("PEFS_CACHE_DROP", &c.Relocation.CacheDrop)
	if err := boolean("PEFS_VERIFY", &c.Relocation.Verify); err != nil {
		return err
	}
	if err := boolean("PEFS_REINDEX", &c.Relocation.Reindex); err != nil {
		return err
	}
	str("PEFS_METRICS_BACKEND", &c.Metrics.Backend)
	str("PEFS_PUSHGATEWAY_URL", &c.Metrics.PushgatewayURL)
	str("PEFS_STATSD_ADDR", &c.Metrics.StatsdAddr)
	str("PEFS_LOG_LEVEL", &c.Log.Level)
	return nil
}

// Duration is a time.Duration written as a Go duration string ("90s") in
// config files. Plain numbers are read as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(p)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
