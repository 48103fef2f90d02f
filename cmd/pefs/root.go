package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pefs/internal/cache"
	"pefs/internal/coldswap"
	"pefs/internal/config"
	"pefs/internal/ddl"
	"pefs/internal/errs"
	"pefs/internal/metrics"
	"pefs/internal/metrics/datadog"
	"pefs/internal/metrics/prompush"
	"pefs/internal/pg"
	"pefs/internal/proc"
	"pefs/internal/server"
	"pefs/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
)

// Test hooks.
var (
	lookupEnv = os.LookupEnv
	connect   = func(ctx context.Context, cfg pg.Config) (workflow.Session, error) {
		return pg.Connect(ctx, cfg)
	}
	runClone = workflow.Clone
	runLink  = workflow.Link
)

// Execute runs the CLI with args and returns the process exit status.
func Execute(args []string) int {
	return execute(args, os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if errs.Severe(err) {
		fmt.Fprintln(stderr, "manual intervention required: see the error above for the affected table or data directory")
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errs.Severe(err):
		return 2
	}
	return 1
}

// flags are the command-line overrides; only flags the user set are
// applied over file and environment.
type flags struct {
	configPath     string
	schema         string
	host           string
	port           uint16
	user           string
	pgCtl          string
	pgDump         string
	serverLog      string
	cacheDrop      string
	reindex        bool
	verify         bool
	metricsBackend string
	pushgatewayURL string
	statsdAddr     string
	verbose        bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "pefs",
		Short:         "Relocate Postgres heap files onto a shared filesystem",
		Long:          "pefs copies the heap files of a schema into a relocation store while the server is stopped (clone) and re-attaches a database to them through symbolic links (link).",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "config file (.json, .yaml or .yml)")
	pf.StringVar(&f.schema, "schema", "public", "schema whose tables are relocated")
	pf.StringVar(&f.host, "host", "", "server host or socket directory (overrides PGHOST)")
	pf.Uint16Var(&f.port, "port", 0, "server port (overrides PGPORT)")
	pf.StringVarP(&f.user, "user", "U", "", "role to connect as (overrides PGUSER)")
	pf.StringVar(&f.pgCtl, "pg-ctl", "pg_ctl", "pg_ctl binary")
	pf.StringVar(&f.pgDump, "pg-dump", "pg_dump", "pg_dump binary")
	pf.StringVar(&f.serverLog, "log-file", "", "server log file passed to pg_ctl start -l (default <pgdata>/pefs-server.log)")
	pf.StringVar(&f.cacheDrop, "cache-drop", config.CacheAuto, "page cache invalidation: auto, global, files, none")
	pf.BoolVar(&f.verify, "verify", true, "checksum copies and verify the store before link")
	pf.StringVar(&f.metricsBackend, "metrics-backend", config.MetricsNone, "metrics backend: none, prometheus, datadog")
	pf.StringVar(&f.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL for the prometheus backend")
	pf.StringVar(&f.statsdAddr, "statsd-addr", "", "DogStatsD address for the datadog backend")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logs")

	clone := &cobra.Command{
		Use:   "clone <database> <relocation-root>",
		Short: "Copy every table's heap file and definition into the relocation store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f, "clone", args[0], args[1], stdout, stderr)
		},
	}

	link := &cobra.Command{
		Use:   "link <database> <relocation-root>",
		Short: "Recreate the stored tables and back them with the relocated heap files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f, "link", args[0], args[1], stdout, stderr)
		},
	}
	link.Flags().BoolVar(&f.reindex, "reindex", true, "rebuild indexes of linked tables; replayed indexes are empty until rebuilt")

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the layered configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, &f)
			if err != nil {
				return err
			}
			issues := config.Validate(cfg)
			for _, iss := range issues {
				fmt.Fprintf(stdout, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			}
			if config.HasErrors(issues) {
				return errors.New("configuration is invalid")
			}
			fmt.Fprintln(stdout, "configuration is valid")
			return nil
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "pefs version %s (commit: %s)\n", version, commit)
		},
	}

	root.AddCommand(clone, link, check, ver)
	return root
}

// resolveConfig layers file, environment and the flags the user set.
func resolveConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("schema") {
		cfg.Schema = f.schema
	}
	if changed("host") {
		cfg.Connection.Host = f.host
	}
	if changed("port") {
		cfg.Connection.Port = f.port
	}
	if changed("user") {
		cfg.Connection.User = f.user
	}
	if changed("pg-ctl") {
		cfg.Tools.PgCtl = f.pgCtl
	}
	if changed("pg-dump") {
		cfg.Tools.PgDump = f.pgDump
	}
	if changed("log-file") {
		cfg.Tools.ServerLog = f.serverLog
	}
	if changed("cache-drop") {
		cfg.Relocation.CacheDrop = f.cacheDrop
	}
	if changed("verify") {
		cfg.Relocation.Verify = f.verify
	}
	if changed("reindex") {
		cfg.Relocation.Reindex = f.reindex
	}
	if changed("metrics-backend") {
		cfg.Metrics.Backend = f.metricsBackend
	}
	if changed("pushgateway-url") {
		cfg.Metrics.PushgatewayURL = f.pushgatewayURL
	}
	if changed("statsd-addr") {
		cfg.Metrics.StatsdAddr = f.statsdAddr
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(w io.Writer, c config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// setupMetrics installs the configured backend and returns its flush.
func setupMetrics(c config.Metrics, log *slog.Logger) func() {
	var (
		b   metrics.Backend
		err error
	)
	switch c.Backend {
	case "", config.MetricsNone:
		log.Debug("metrics disabled")
		return func() {}
	case config.MetricsPrometheus:
		b, err = prompush.NewBackend(c.Job, c.PushgatewayURL)
	case config.MetricsDatadog:
		addr := c.StatsdAddr
		if addr == "" {
			addr = config.DefaultStatsdAddr
		}
		b, err = datadog.NewBackend(datadog.Config{Addr: addr, Namespace: "pefs.", GlobalTags: []string{"job:" + c.Job}})
	default:
		err = fmt.Errorf("unknown backend %q", c.Backend)
	}
	if err != nil {
		log.Warn("metrics backend unavailable, continuing without metrics", "backend", c.Backend, "err", err)
		return func() {}
	}
	metrics.SetBackend(b)
	log.Debug("metrics enabled", "backend", c.Backend)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics flush", "err", err)
		}
	}
}

func run(cmd *cobra.Command, f *flags, op, database, root string, stdout, stderr io.Writer) error {
	cfg, err := resolveConfig(cmd, f)
	if err != nil {
		return err
	}
	log := newLogger(stderr, cfg.Log)

	issues := config.Validate(cfg)
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			log.Warn("config", "path", iss.Path, "msg", iss.Message)
		}
	}
	if config.HasErrors(issues) {
		return errors.Join(issuesAsErrors(issues)...)
	}

	flush := setupMetrics(cfg.Metrics, log)
	defer flush()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := connect(ctx, pg.Config{
		DSN:      cfg.Connection.DSN,
		Host:     cfg.Connection.Host,
		Port:     cfg.Connection.Port,
		User:     cfg.Connection.User,
		Password: cfg.Connection.Password,
		Database: database,
	})
	if err != nil {
		return err
	}
	if c, ok := sess.(interface{ Close() }); ok {
		defer c.Close()
	}

	runner := proc.Exec{}
	if cfg.Connection.Password != "" {
		runner.Env = []string{"PGPASSWORD=" + cfg.Connection.Password}
	}
	env := workflow.Env{
		Session: sess,
		Capture: &ddl.Capturer{
			Runner:    runner,
			PgDump:    cfg.Tools.PgDump,
			Schema:    cfg.Schema,
			Host:      cfg.Connection.Host,
			Port:      cfg.Connection.Port,
			User:      cfg.Connection.User,
			ExtraArgs: cfg.Tools.PgDumpArgs,
		},
		Server: func(dataDir string) coldswap.Controller {
			h := server.New(runner, dataDir)
			h.PgCtl = cfg.Tools.PgCtl
			h.LogFile = cfg.Tools.ServerLog
			h.Timeout = cfg.Tools.StartTimeout.D()
			return h
		},
		Cache: func(paths []string) (cache.Dropper, error) {
			return cache.New(cache.Mode(cfg.Relocation.CacheDrop), runner, paths)
		},
		Logger: log,
	}
	opts := workflow.Options{
		Database:    database,
		Schema:      cfg.Schema,
		Root:        root,
		Verify:      cfg.Relocation.Verify,
		Reindex:     cfg.Relocation.Reindex,
		SettleDelay: cfg.Relocation.SettleDelay.D(),
	}

	var rep *workflow.Report
	switch op {
	case "clone":
		rep, err = runClone(ctx, env, opts)
	case "link":
		rep, err = runLink(ctx, env, opts)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, database, err)
	}
	fmt.Fprintf(stdout, "%s %s.%s: %d tables, %s in %s (run %s)\n",
		op, database, rep.Schema, len(rep.Tables), humanize.IBytes(uint64(rep.Bytes())),
		rep.Duration.Truncate(time.Millisecond), rep.RunID)
	return nil
}

func issuesAsErrors(issues []config.Issue) []error {
	var out []error
	for _, iss := range issues {
		if iss.Severity == config.SeverityError {
			out = append(out, iss)
		}
	}
	return out
}
