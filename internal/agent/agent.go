// Package agent implements the client-side sync agent: a single-flight state
// machine that drains the local outbox, reconciles with the server, applies
// returned deltas to the mirror, and advances the cursor. The host
// application triggers it manually or lets Run drive it on a timer; either
// path goes through the same SyncNow entry point.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/sakgroup/staffsync/internal/api"
	"github.com/sakgroup/staffsync/internal/localstore"
	"github.com/sakgroup/staffsync/internal/wire"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	defaultBatchSize      = 100
	defaultInterval       = 5 * time.Minute
	defaultRequestTimeout = 30 * time.Second
)

// Config holds the options for New. The agent is embedded by the host
// application, so everything is injected rather than read from files.
type Config struct {
	ServerURL      string          // sync server root URL
	Tokens         api.TokenSource // bearer tokens from the host's auth layer
	HTTPClient     *http.Client    // optional; nil uses http.DefaultClient
	BatchSize      int             // outbox items per cycle (default 100)
	Interval       time.Duration   // periodic trigger interval (default 5m)
	RequestTimeout time.Duration   // per-cycle network deadline (default 30s)
	Platform       string          // reported to the device registry
	DeviceName     string          // reported to the device registry
	Logger         *slog.Logger
}

// Agent orchestrates sync cycles against one local store. One cycle runs at
// a time per process; the guard is in-memory, so two processes opening the
// same store are outside the supported model.
type Agent struct {
	store       *localstore.Store
	client      *api.Client
	broadcaster *Broadcaster
	logger      *slog.Logger

	batchSize      int
	interval       time.Duration
	requestTimeout time.Duration

	mu         stdsync.Mutex
	state      State
	lastSyncAt time.Time
	lastError  string
}

// New creates an Agent over an opened local store.
func New(store *localstore.Store, cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	client := api.NewClient(cfg.ServerURL, cfg.HTTPClient, cfg.Tokens, logger)
	client.SetDeviceInfo(cfg.Platform, cfg.DeviceName)

	return &Agent{
		store:          store,
		client:         client,
		broadcaster:    NewBroadcaster(logger),
		logger:         logger,
		batchSize:      cfg.BatchSize,
		interval:       cfg.Interval,
		requestTimeout: cfg.RequestTimeout,
		state:          StateIdle,
	}
}

// Subscribe registers a status observer.
func (a *Agent) Subscribe(fn func(Status)) {
	a.broadcaster.Subscribe(fn)
}

// State returns the agent's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Status returns a full snapshot including the live pending count.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	pending, err := a.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return Status{
		State:        a.state,
		LastSyncAt:   a.lastSyncAt,
		PendingCount: pending,
		Message:      a.lastError,
	}, nil
}

// SyncNow runs one sync cycle. A call while a cycle is already in flight is
// a no-op returning nil; the caller observes that cycle's outcome via the
// broadcaster. A returned error is the cycle's terminal failure — already
// published to observers — so callers may ignore it.
func (a *Agent) SyncNow(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateSyncing {
		a.mu.Unlock()
		a.logger.Debug("sync already in progress, ignoring trigger")

		return nil
	}

	a.state = StateSyncing
	a.mu.Unlock()

	pending, _ := a.store.PendingCount(ctx)
	a.broadcaster.Publish(Status{State: StateSyncing, LastSyncAt: a.lastSyncAt, PendingCount: pending})

	newCursor, err := a.runCycle(ctx)

	a.mu.Lock()
	if err != nil {
		a.state = StateError
		a.lastError = err.Error()
	} else {
		a.state = StateSynced
		a.lastError = ""
		a.lastSyncAt = newCursor
	}
	status := Status{State: a.state, LastSyncAt: a.lastSyncAt, Message: a.lastError}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("sync cycle failed", "error", err)
	}

	status.PendingCount, _ = a.store.PendingCount(ctx)
	a.broadcaster.Publish(status)

	return err
}

// runCycle executes one reconciliation round trip and returns the new cursor
// value on success. Any failure aborts the cycle without touching state
// beyond what already completed: items stay pending and the cursor stays
// put, so the next trigger retries the same window.
func (a *Agent) runCycle(ctx context.Context) (time.Time, error) {
	cursor, err := a.store.Cursor(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read cursor: %w", err)
	}

	deviceID, err := a.store.DeviceID(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("device id: %w", err)
	}

	pending, err := a.store.DrainPending(ctx, a.batchSize)
	if err != nil {
		return time.Time{}, fmt.Errorf("drain outbox: %w", err)
	}

	req := &wire.BatchRequest{
		DeviceID:   deviceID,
		LastSyncAt: wire.FormatTime(cursor),
		Items:      make([]wire.QueueItem, 0, len(pending)),
	}

	// Only the mutation itself travels; status bookkeeping stays local.
	for _, item := range pending {
		req.Items = append(req.Items, wire.QueueItem{
			ID:        item.ID,
			Table:     item.Table,
			RecordID:  item.RecordID,
			Operation: item.Operation,
			Payload:   item.Payload,
		})
	}

	a.logger.Info("starting sync cycle",
		slog.String("device_id", deviceID),
		slog.Int("items", len(req.Items)),
		slog.String("cursor", req.LastSyncAt),
	)

	reqCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	resp, err := a.client.Sync(reqCtx, req)
	if err != nil {
		return time.Time{}, err
	}

	for _, id := range resp.Accepted {
		if err := a.store.MarkSynced(ctx, id); err != nil {
			return time.Time{}, fmt.Errorf("mark synced: %w", err)
		}
	}

	for _, rej := range resp.Rejected {
		a.logger.Warn("server rejected item", "id", rej.ID, "reason", rej.Reason)

		if err := a.store.MarkError(ctx, rej.ID, rej.Reason); err != nil {
			return time.Time{}, fmt.Errorf("mark error: %w", err)
		}
	}

	if err := a.store.ApplyServerUpdates(ctx, resp.ServerUpdates); err != nil {
		return time.Time{}, fmt.Errorf("apply server updates: %w", err)
	}

	newCursor, err := wire.ParseTime(resp.ServerTimestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("server timestamp: %w", err)
	}

	// Deltas are durably applied; only now may the watermark move.
	if err := a.store.SetCursor(ctx, newCursor); err != nil {
		return time.Time{}, fmt.Errorf("advance cursor: %w", err)
	}

	a.logger.Info("sync cycle complete",
		slog.Int("accepted", len(resp.Accepted)),
		slog.Int("rejected", len(resp.Rejected)),
		slog.String("cursor", resp.ServerTimestamp),
	)

	return newCursor, nil
}

// Run drives periodic sync until ctx is canceled: one immediate cycle, then
// one per interval. Cycle errors are logged and published, never returned;
// the next tick retries from the same cursor.
func (a *Agent) Run(ctx context.Context) {
	//nolint:errcheck // terminal status is published to observers
	a.SyncNow(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			//nolint:errcheck // terminal status is published to observers
			a.SyncNow(ctx)
		}
	}
}
