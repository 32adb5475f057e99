// Package wire defines the sync batch contract shared by the client agent
// and the server endpoint: queue items, batch request/response shapes, and
// the timestamp encoding used for cursor comparison.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation carried by a queue item.
type Operation string

// Operations as stored in the sync_queue operation column.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}

	return false
}

// Status is the lifecycle state of an outbox item.
type Status string

// Outbox item statuses. StatusConflict is reserved in the schema but never
// produced: reconciliation is last-write-wins at the row level, and
// rejections are validation failures, not detected conflicts.
const (
	StatusPending  Status = "pending"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// Tracked business tables, in delta-query order. Both the client mirror and
// the server endpoint recognize exactly this set.
var TrackedTables = []string{
	"employees",
	"employments",
	"transfers",
	"appraisals",
	"trainings",
	"documents",
}

// TableTracked reports whether name is a tracked business table.
func TableTracked(name string) bool {
	for _, t := range TrackedTables {
		if t == name {
			return true
		}
	}

	return false
}

// TimeFormat is the fixed-width UTC encoding for all wire and stored
// timestamps. Millisecond precision, always 'Z': lexicographic comparison of
// two encoded values equals chronological comparison, which the SQL delta
// queries (updated_at > ?) rely on.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime encodes t in TimeFormat (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime decodes a wire timestamp. RFC 3339 inputs from older clients are
// accepted as a fallback.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("wire: parse timestamp %q: %w", s, err)
	}

	return t.UTC(), nil
}

// QueueItem is one durable outbox entry. On the wire only the identity and
// mutation fields travel; the status fields are client-local bookkeeping.
type QueueItem struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	RecordID  string          `json:"recordId"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload"`

	Status    Status `json:"status,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"lastError,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	SyncedAt  string `json:"syncedAt,omitempty"`
}

// Row is one business record as returned by a delta query. Column names map
// to values; the receiving side filters against its own column whitelist.
type Row = map[string]any

// BatchRequest is the body of POST /sync.
type BatchRequest struct {
	DeviceID   string      `json:"deviceId"`
	LastSyncAt string      `json:"lastSyncAt"`
	Items      []QueueItem `json:"items"`
}

// Rejection pairs a rejected item id with the server's reason.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResponse is the body of a successful POST /sync reply. ServerTimestamp
// is captured before the delta queries run, so it is always ≤ the true state
// of the database at query time; the client persists it as its next cursor.
type BatchResponse struct {
	ServerTimestamp string           `json:"serverTimestamp"`
	Accepted        []string         `json:"accepted"`
	Rejected        []Rejection      `json:"rejected"`
	ServerUpdates   map[string][]Row `json:"serverUpdates"`
}
