package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "conductor-v1-2026-09-30-janus-core"

	defaultMaxCheckouts   = 4
	defaultAcquireTimeout = 5 * time.Second
	busyRetries           = 5
)

// ErrConnAcquisition is returned when no checkout slot frees up in time.
var ErrConnAcquisition = errors.New("db connection acquisition failed")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries exposes every query shape of the store. Inside WithTx it is bound to
// the transaction; all reads and writes made through it commit or roll back together.
type Queries struct {
	q querier
}

type Store struct {
	db             *sql.DB
	checkouts      *semaphore.Weighted
	acquireTimeout time.Duration
}

type Option func(*Store)

// WithMaxCheckouts bounds how many operations may wait on the database at once.
func WithMaxCheckouts(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.checkouts = semaphore.NewWeighted(n)
		}
	}
}

// WithAcquireTimeout bounds how long an operation waits for a checkout slot.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.acquireTimeout = d
		}
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:             db,
		checkouts:      semaphore.NewWeighted(defaultMaxCheckouts),
		acquireTimeout: defaultAcquireTimeout,
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	if err := s.checkouts.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: waited %s", ErrConnAcquisition, s.acquireTimeout)
	}
	return func() { s.checkouts.Release(1) }, nil
}

// WithTx runs fn inside one immediate transaction. fn may run more than once
// when SQLite reports the database busy, so it must not have side effects
// outside the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(&Queries{q: tx}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Read runs fn outside a transaction under the same checkout bound.
func (s *Store) Read(ctx context.Context, fn func(q *Queries) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return retryOnBusy(ctx, busyRetries, func() error {
		return fn(&Queries{q: s.db})
	})
}

// retryOnBusy runs f up to maxRetries+1 times while SQLite reports the
// database busy or locked, backing off between attempts.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		t := time.NewTimer(busyBackoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// busyBackoff doubles from 50ms up to 500ms, jittered to 75-125%.
func busyBackoff(attempt int) time.Duration {
	const (
		base    = 50 * time.Millisecond
		ceiling = 500 * time.Millisecond
	)
	d := ceiling
	if attempt < 4 {
		d = min(base<<attempt, ceiling)
	}
	return d*3/4 + rand.N(d/2)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Errors that lost their type on the way up.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	// Timestamps are unix milliseconds so range comparisons stay numeric.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS janus_backend (
			id TEXT PRIMARY KEY,
			session_id INTEGER NOT NULL,
			handle_id INTEGER NOT NULL,
			capacity INTEGER,
			balancer_capacity INTEGER,
			grp TEXT NOT NULL DEFAULT '',
			janus_url TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room (
			id TEXT PRIMARY KEY,
			audience TEXT NOT NULL,
			opened_at INTEGER,
			closed_at INTEGER,
			rtc_sharing_policy TEXT NOT NULL DEFAULT 'none' CHECK(rtc_sharing_policy IN ('none', 'shared', 'owned')),
			host TEXT NOT NULL DEFAULT '',
			classroom_id TEXT NOT NULL DEFAULT '',
			backend_id TEXT NOT NULL DEFAULT '',
			timed_out INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rtc (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES room(id) ON DELETE CASCADE,
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS janus_rtc_stream (
			id TEXT PRIMARY KEY,
			handle_id INTEGER NOT NULL,
			rtc_id TEXT NOT NULL REFERENCES rtc(id) ON DELETE CASCADE,
			backend_id TEXT NOT NULL,
			label TEXT NOT NULL,
			sent_by TEXT NOT NULL,
			started_at INTEGER,
			stopped_at INTEGER,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS recording (
			rtc_id TEXT PRIMARY KEY REFERENCES rtc(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'in_progress' CHECK(status IN ('in_progress', 'ready', 'missing')),
			started_at INTEGER,
			segments TEXT,
			mjr_dumps_uris TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			room_id TEXT NOT NULL REFERENCES room(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'in_progress' CHECK(status IN ('in_progress', 'ready')),
			created_at INTEGER NOT NULL,
			UNIQUE(agent_id, room_id)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_connection (
			agent_id TEXT NOT NULL REFERENCES agent(id) ON DELETE CASCADE,
			rtc_id TEXT NOT NULL REFERENCES rtc(id) ON DELETE CASCADE,
			handle_id INTEGER NOT NULL,
			backend_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY(agent_id, rtc_id)
		);`,
		`CREATE TABLE IF NOT EXISTS orphaned_room (
			id TEXT PRIMARY KEY REFERENCES room(id) ON DELETE CASCADE,
			host_left_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_backend_handle ON janus_rtc_stream(backend_id, handle_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_rtc ON janus_rtc_stream(rtc_id);`,
		`CREATE INDEX IF NOT EXISTS idx_rtc_room ON rtc(room_id);`,
		`CREATE INDEX IF NOT EXISTS idx_room_closed_at ON room(closed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_connection_backend ON agent_connection(backend_id);`,
		`CREATE INDEX IF NOT EXISTS idx_orphaned_room_host_left_at ON orphaned_room(host_left_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
