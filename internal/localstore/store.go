// Package localstore implements the client-side embedded database: the local
// mirror of server tables, the durable outbox queue, the sync cursor, and the
// device identity. One Store per process owns the database file; the engine
// assumes a single writer.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// Store is the embedded SQLite mirror store. All client-side sync state
// (outbox, cursor, device id, mirrored business rows) is persisted here.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	outboxStmts outboxStatements
	metaStmts   metaStatements
}

// Prepared statements grouped by domain.
type outboxStatements struct {
	enqueue, drain, markSynced, markError, pendingCount, byID *sql.Stmt
}

type metaStatements struct {
	get, set *sql.Stmt
}

// Open creates a Store at dbPath, applying migrations and preparing repeated
// statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening local mirror database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Sole-writer pattern: one connection serializes all access, which is the
	// concurrency model the engine assumes, and keeps ":memory:" databases
	// coherent across the pool.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("local mirror database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("localstore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("localstore: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("localstore: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst *(*sql.Stmt)
		sql string
	}{
		{&s.outboxStmts.enqueue, `
			INSERT INTO sync_queue (id, table_name, record_id, operation, payload, status, attempts, created_at)
			VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)`},
		{&s.outboxStmts.drain, `
			SELECT id, table_name, record_id, operation, payload, status, attempts,
			       COALESCE(last_error, ''), created_at, COALESCE(synced_at, '')
			FROM sync_queue
			WHERE status = 'pending'
			ORDER BY created_at, rowid
			LIMIT ?`},
		{&s.outboxStmts.markSynced, `
			UPDATE sync_queue SET status = 'synced', synced_at = ?
			WHERE id = ? AND status <> 'synced'`},
		{&s.outboxStmts.markError, `
			UPDATE sync_queue SET status = 'error', last_error = ?, attempts = attempts + 1
			WHERE id = ? AND status = 'pending'`},
		{&s.outboxStmts.pendingCount, `
			SELECT COUNT(*) FROM sync_queue WHERE status = 'pending'`},
		{&s.outboxStmts.byID, `
			SELECT id, table_name, record_id, operation, payload, status, attempts,
			       COALESCE(last_error, ''), created_at, COALESCE(synced_at, '')
			FROM sync_queue WHERE id = ?`},
		{&s.metaStmts.get, `SELECT value FROM sync_meta WHERE key = ?`},
		{&s.metaStmts.set, `
			INSERT INTO sync_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.sql)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", st.sql, err)
		}

		*st.dst = prepared
	}

	return nil
}

// Close releases prepared statements and the underlying database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.outboxStmts.enqueue, s.outboxStmts.drain, s.outboxStmts.markSynced,
		s.outboxStmts.markError, s.outboxStmts.pendingCount, s.outboxStmts.byID,
		s.metaStmts.get, s.metaStmts.set,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// getMeta returns the value for key, or "" if the key is absent.
func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string

	err := s.metaStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}

	return value, nil
}

// setMeta upserts a sync_meta key.
func (s *Store) setMeta(ctx context.Context, key, value string) error {
	if _, err := s.metaStmts.set.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}

	return nil
}
