// Package pg holds the database session used by one workflow invocation.
//
// A Session wraps a single pgx connection. It is created once per workflow,
// handed by reference to every component that queries the server, and
// released by the cold-swap orchestrator before the server is stopped. After
// a restart the workflow may Reopen it.
package pg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrClosed is returned by query methods after the session was released.
var ErrClosed = errors.New("pg: session is closed")

// Config holds connection parameters. Empty fields fall back to libpq
// environment variables (PGHOST, PGPORT, PGUSER, PGPASSWORD, ...).
type Config struct {
	DSN      string // optional; parsed first when set
	Host     string
	Port     uint16
	User     string
	Password string
	Database string
}

// connect is a test hook that points to pgx.ConnectConfig by default.
var connect = pgx.ConnectConfig

// Session is a single live connection to the server.
type Session struct {
	mu   sync.Mutex
	cfg  *pgx.ConnConfig
	conn *pgx.Conn
}

// ConnConfig converts cfg to a pgx connection config.
func ConnConfig(cfg Config) (*pgx.ConnConfig, error) {
	cc, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	if cfg.Host != "" {
		cc.Host = cfg.Host
	}
	if cfg.Port != 0 {
		cc.Port = cfg.Port
	}
	if cfg.User != "" {
		cc.User = cfg.User
	}
	if cfg.Password != "" {
		cc.Password = cfg.Password
	}
	if cfg.Database != "" {
		cc.Database = cfg.Database
	}
	return cc, nil
}

// Connect opens a session against cfg.Database.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	cc, err := ConnConfig(cfg)
	if err != nil {
		return nil, err
	}
	s := &Session{cfg: cc}
	if err := s.Reopen(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reopen establishes a new connection if the session is closed. It is a
// no-op on an open session.
func (s *Session) Reopen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := connect(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("connect to %s@%s/%s: %w", s.cfg.User, s.cfg.Host, s.cfg.Database, err)
	}
	s.conn = conn
	return nil
}

// Release closes the connection so a server shutdown is not blocked by an
// active client. Calling Release on a closed session is a no-op.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	return err
}

// Close is Release with a background context, for use in defer.
func (s *Session) Close() {
	_ = s.Release(context.Background())
}

// User returns the role the session connects as.
func (s *Session) User() string { return s.cfg.User }

// Database returns the database the session connects to.
func (s *Session) Database() string { return s.cfg.Database }

func (s *Session) current() (*pgx.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrClosed
	}
	return s.conn, nil
}

// QueryRow implements catalog.Querier.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	conn, err := s.current()
	if err != nil {
		return errRow{err: err}
	}
	return conn.QueryRow(ctx, sql, args...)
}

// Query implements catalog.Querier.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}
	return conn.Query(ctx, sql, args...)
}

// Exec runs a statement that returns no rows.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, err := s.current()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return conn.Exec(ctx, sql, args...)
}

// Begin starts a transaction on the session's connection.
func (s *Session) Begin(ctx context.Context) (pgx.Tx, error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}
	return conn.Begin(ctx)
}

// errRow is returned by QueryRow on a closed session so Scan reports it.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
