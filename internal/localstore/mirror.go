package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakgroup/staffsync/internal/wire"
)

// ApplyServerUpdates upserts delta rows from a sync response into the mirror
// tables, all within one transaction. Last write wins at row granularity,
// keyed by primary id; re-applying the same window is harmless, which is what
// makes a crash between mirror apply and cursor write recoverable. Each row
// gets synced_at stamped with the local wall clock. Unknown tables and rows
// without an id are skipped with a warning, never an error: the mirror is not
// authoritative and must tolerate a newer server schema.
func (s *Store) ApplyServerUpdates(ctx context.Context, updates map[string][]wire.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply updates: %w", err)
	}
	defer tx.Rollback()

	syncedAt := wire.FormatTime(time.Now())
	applied := 0

	for _, table := range wire.TrackedTables {
		rows := updates[table]
		if len(rows) == 0 {
			continue
		}

		for _, row := range rows {
			id, ok := row["id"].(string)
			if !ok || id == "" {
				s.logger.Warn("skipping server row without id", "table", table)
				continue
			}

			if err := upsertRow(ctx, tx, table, id, row, syncedAt); err != nil {
				return fmt.Errorf("apply %s/%s: %w", table, id, err)
			}

			applied++
		}
	}

	for table := range updates {
		if !wire.TableTracked(table) {
			s.logger.Warn("ignoring updates for unknown table", "table", table)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply updates: %w", err)
	}

	s.logger.Debug("applied server updates", "rows", applied)

	return nil
}

// RecordLocalMutation is the local-first write path for host mutations while
// the server is unreachable (or as the default write-through). It applies the
// mutation to the mirror and appends the matching outbox item in a single
// transaction, so a mutation is either fully recorded or fully failed; there
// is no silent drop. Returns the outbox item id.
func (s *Store) RecordLocalMutation(ctx context.Context, table, recordID string, op wire.Operation, payload json.RawMessage) (string, error) {
	if err := validateMutation(table, recordID, op, payload); err != nil {
		return "", err
	}

	var row wire.Row
	if op != wire.OpDelete {
		if err := json.Unmarshal(payload, &row); err != nil {
			return "", fmt.Errorf("localstore: payload is not a JSON object: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin local mutation: %w", err)
	}
	defer tx.Rollback()

	switch op {
	case wire.OpDelete:
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", recordID); err != nil {
			return "", fmt.Errorf("delete %s/%s: %w", table, recordID, err)
		}
	default:
		// Provisional write: synced_at is left untouched until the server
		// acknowledges the row via ApplyServerUpdates.
		if err := upsertRow(ctx, tx, table, recordID, row, ""); err != nil {
			return "", fmt.Errorf("upsert %s/%s: %w", table, recordID, err)
		}
	}

	id := uuid.NewString()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, table_name, record_id, operation, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)`,
		id, table, recordID, string(op), string(payload), wire.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("enqueue outbox item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit local mutation: %w", err)
	}

	return id, nil
}

// MirrorRow returns a mirrored row as a column map, or ErrNotFound.
func (s *Store) MirrorRow(ctx context.Context, table, id string) (wire.Row, error) {
	if !wire.TableTracked(table) {
		return nil, fmt.Errorf("localstore: table %q is not tracked for sync", table)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query %s/%s: %w", table, id, err)
		}

		return nil, ErrNotFound
	}

	return scanRowMap(rows)
}

// execer covers *sql.Tx and *sql.DB for upsert building.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertRow writes one row into a mirror table, restricted to the table's
// column whitelist. syncedAt, when non-empty, is stamped alongside the data
// columns. Columns absent from the row are left untouched on conflict.
func upsertRow(ctx context.Context, ex execer, table, id string, row wire.Row, syncedAt string) error {
	cols := []string{"id"}
	args := []any{id}

	for _, col := range wire.TableColumns[table] {
		value, ok := row[col]
		if !ok {
			continue
		}

		cols = append(cols, col)
		args = append(args, value)
	}

	if syncedAt != "" {
		cols = append(cols, "synced_at")
		args = append(args, syncedAt)
	}

	query := buildUpsert(table, cols)

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	return nil
}

// buildUpsert produces "INSERT ... ON CONFLICT(id) DO UPDATE" SQL for the
// given column list (cols[0] must be "id"). With no data columns the insert
// degenerates to DO NOTHING.
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

// scanRowMap reads the current result row into a column map.
func scanRowMap(rows *sql.Rows) (wire.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("row columns: %w", err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))

	for i := range values {
		ptrs[i] = &values[i]
	}

	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	row := make(wire.Row, len(cols))

	for i, col := range cols {
		row[col] = values[i]
	}

	return row, nil
}
