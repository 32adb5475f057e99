// Package server implements the sync endpoint: stateless per-request
// reconciliation of inbound device batches against the authoritative store,
// plus the delta computation that propagates server-side changes back out.
package server

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"

	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/sakgroup/staffsync/internal/wire"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the server's authoritative tables: the device registry, the
// sync_queue application log, and the business tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a Store at dbPath, applying migrations. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening authoritative database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite is effectively single-writer; one pooled connection keeps
	// transactions serialized and ":memory:" databases coherent in tests.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("server: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("server: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("server: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// UpsertDevice registers a device on first sight and touches last_sync_at on
// every subsequent push. The device id is client-generated and stable per
// install; ownership follows the last authenticated user.
func (s *Store) UpsertDevice(ctx context.Context, id, userID, platform, deviceName string) error {
	now := wire.FormatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, device_name, platform, last_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at`,
		id, userID, deviceName, platform, now, now, now)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", id, err)
	}

	return nil
}

// ApplyItem durably records one batch item and applies its operation to the
// business table, in a single transaction. The item id is the idempotency
// token: if it is already present in the sync_queue log the item was applied
// by an earlier (possibly dropped-response) batch and this call is a no-op.
// A returned error is a per-item rejection; it never aborts the batch.
func (s *Store) ApplyItem(ctx context.Context, item wire.QueueItem, deviceID string) error {
	if err := validateItem(item); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := wire.FormatTime(time.Now())

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, table_name, record_id, operation, payload, device_id, status, synced_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'synced', ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Table, item.RecordID, string(item.Operation), string(item.Payload),
		deviceID, now, now)
	if err != nil {
		return fmt.Errorf("record item: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record item: %w", err)
	}

	if inserted == 0 {
		// Already logged by an earlier submission; accept without re-applying.
		s.logger.Debug("duplicate item id, skipping apply", "id", item.ID)
		return tx.Commit()
	}

	if err := s.applyOperation(ctx, tx, item, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// applyOperation writes the item's mutation into its business table.
// updated_at is set to server time, not the payload's value, so the change
// enters every other device's next delta window.
func (s *Store) applyOperation(ctx context.Context, tx *sql.Tx, item wire.QueueItem, now string) error {
	if item.Operation == wire.OpDelete {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+item.Table+" WHERE id = ?", item.RecordID); err != nil {
			return fmt.Errorf("delete %s/%s: %w", item.Table, item.RecordID, err)
		}

		return nil
	}

	var row wire.Row
	if err := json.Unmarshal(item.Payload, &row); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}

	cols := []string{"id"}
	args := []any{item.RecordID}

	for _, col := range wire.TableColumns[item.Table] {
		if col == "updated_at" {
			continue
		}

		value, ok := row[col]
		if !ok {
			continue
		}

		cols = append(cols, col)
		args = append(args, value)
	}

	cols = append(cols, "updated_at")
	args = append(args, now)

	query := buildUpsert(item.Table, cols)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("apply %s/%s: %w", item.Table, item.RecordID, err)
	}

	return nil
}

// ChangedSince computes the full delta per tracked table: every row whose
// updated_at is strictly greater than the caller's cursor. Unbounded by
// design; pagination is a known gap. Tables are queried through an errgroup
// so a canceled request stops early; the pool serializes the actual reads.
func (s *Store) ChangedSince(ctx context.Context, since time.Time) (map[string][]wire.Row, error) {
	cursor := wire.FormatTime(since)
	updates := make(map[string][]wire.Row, len(wire.TrackedTables))

	var mu stdsync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, table := range wire.TrackedTables {
		g.Go(func() error {
			rows, err := s.changedRows(gctx, table, cursor)
			if err != nil {
				return err
			}

			mu.Lock()
			updates[table] = rows
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return updates, nil
}

func (s *Store) changedRows(ctx context.Context, table, cursor string) ([]wire.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT * FROM "+table+" WHERE updated_at > ? ORDER BY updated_at", cursor)
	if err != nil {
		return nil, fmt.Errorf("delta query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("delta columns %s: %w", table, err)
	}

	result := []wire.Row{}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("delta scan %s: %w", table, err)
		}

		row := make(wire.Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delta rows %s: %w", table, err)
	}

	return result, nil
}

// BusinessRow returns one authoritative business row, or sql.ErrNoRows.
func (s *Store) BusinessRow(ctx context.Context, table, id string) (wire.Row, error) {
	if !wire.TableTracked(table) {
		return nil, fmt.Errorf("server: table %q is not tracked", table)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}

		return nil, sql.ErrNoRows
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))

	for i := range values {
		ptrs[i] = &values[i]
	}

	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(wire.Row, len(cols))
	for i, col := range cols {
		row[col] = values[i]
	}

	return row, nil
}

func validateItem(item wire.QueueItem) error {
	if item.ID == "" {
		return errors.New("item id is required")
	}

	if !wire.TableTracked(item.Table) {
		return fmt.Errorf("unknown table %q", item.Table)
	}

	if item.RecordID == "" {
		return errors.New("record id is required")
	}

	if !item.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", item.Operation)
	}

	if item.Operation != wire.OpDelete && len(item.Payload) == 0 {
		return errors.New("payload is required")
	}

	return nil
}

// buildUpsert produces "INSERT ... ON CONFLICT(id) DO UPDATE" SQL for the
// given column list (cols[0] must be "id").
func buildUpsert(table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)

	if len(cols) == 1 {
		b.WriteString(" ON CONFLICT (id) DO NOTHING")
		return b.String()
	}

	b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")

	for i, col := range cols[1:] {
		if i > 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "%s = excluded.%s", col, col)
	}

	return b.String()
}
