package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sakgroup/staffsync/internal/wire"
)

// ErrNotFound is returned when an outbox item id does not exist.
var ErrNotFound = errors.New("localstore: outbox item not found")

// Enqueue appends a mutation to the outbox and returns the generated item id.
// The id is the idempotency key the server uses to dedupe retried pushes, so
// it is a fresh UUID per logical mutation, never reused. Enqueue depends only
// on local storage: network state never fails it.
func (s *Store) Enqueue(ctx context.Context, table, recordID string, op wire.Operation, payload json.RawMessage) (string, error) {
	if err := validateMutation(table, recordID, op, payload); err != nil {
		return "", err
	}

	id := uuid.NewString()

	_, err := s.outboxStmts.enqueue.ExecContext(ctx,
		id, table, recordID, string(op), string(payload), wire.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("enqueue outbox item: %w", err)
	}

	return id, nil
}

// DrainPending returns up to limit pending items, oldest first. Read-only:
// repeated calls return the same items until their status changes, which is
// what makes cycle retries safe.
func (s *Store) DrainPending(ctx context.Context, limit int) ([]wire.QueueItem, error) {
	rows, err := s.outboxStmts.drain.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("drain pending: %w", err)
	}
	defer rows.Close()

	var items []wire.QueueItem

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drain pending: %w", err)
	}

	return items, nil
}

// MarkSynced transitions an item to synced. Idempotent: marking an already
// synced item is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	if _, err := s.outboxStmts.markSynced.ExecContext(ctx, wire.FormatTime(time.Now()), id); err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}

	return nil
}

// MarkError transitions a pending item to error, recording the rejection
// reason and incrementing the attempt counter. Only pending items transition,
// so a repeated call does not inflate attempts. Items in error status are not
// retried automatically; re-submission requires a new mutation.
func (s *Store) MarkError(ctx context.Context, id, reason string) error {
	if _, err := s.outboxStmts.markError.ExecContext(ctx, reason, id); err != nil {
		return fmt.Errorf("mark error %s: %w", id, err)
	}

	return nil
}

// PendingCount returns the number of pending outbox items.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int

	if err := s.outboxStmts.pendingCount.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}

	return count, nil
}

// ItemByID returns a single outbox item, or ErrNotFound.
func (s *Store) ItemByID(ctx context.Context, id string) (wire.QueueItem, error) {
	row := s.outboxStmts.byID.QueryRowContext(ctx, id)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.QueueItem{}, ErrNotFound
	}

	if err != nil {
		return wire.QueueItem{}, err
	}

	return item, nil
}

func validateMutation(table, recordID string, op wire.Operation, payload json.RawMessage) error {
	if !wire.TableTracked(table) {
		return fmt.Errorf("localstore: table %q is not tracked for sync", table)
	}

	if recordID == "" {
		return errors.New("localstore: record id is required")
	}

	if !op.Valid() {
		return fmt.Errorf("localstore: invalid operation %q", op)
	}

	if len(payload) == 0 {
		return errors.New("localstore: payload is required")
	}

	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(r rowScanner) (wire.QueueItem, error) {
	var (
		item    wire.QueueItem
		op      string
		status  string
		payload string
	)

	err := r.Scan(&item.ID, &item.Table, &item.RecordID, &op, &payload,
		&status, &item.Attempts, &item.LastError, &item.CreatedAt, &item.SyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wire.QueueItem{}, err
		}

		return wire.QueueItem{}, fmt.Errorf("scan outbox item: %w", err)
	}

	item.Operation = wire.Operation(op)
	item.Status = wire.Status(status)
	item.Payload = json.RawMessage(payload)

	return item, nil
}
