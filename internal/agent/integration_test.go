package agent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakgroup/staffsync/internal/localstore"
	"github.com/sakgroup/staffsync/internal/server"
	"github.com/sakgroup/staffsync/internal/wire"
)

// newSyncServer stands up the real sync endpoint over an in-memory
// authoritative store.
func newSyncServer(t *testing.T) (*httptest.Server, *server.Store, string) {
	t.Helper()

	store, err := server.Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	const secret = "integration-secret"

	router := server.NewRouter(server.NewHandler(store, testLogger(t)),
		server.RouterConfig{JWTSecret: secret})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	token, err := server.GenerateToken("user-1", secret, time.Hour)
	require.NoError(t, err)

	return srv, store, token
}

func newDevice(t *testing.T, serverURL, token string) (*localstore.Store, *Agent) {
	t.Helper()

	store := newTestLocalStore(t)

	a := New(store, Config{
		ServerURL: serverURL,
		Tokens:    staticTokens(token),
		Logger:    testLogger(t),
	})

	return store, a
}

// An offline edit survives the outage, syncs exactly once when the server is
// reachable again, and lands in the authoritative table.
func TestOfflineEditSyncsOnReconnect(t *testing.T) {
	ctx := context.Background()

	authoritative, err := server.Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, authoritative.Close())
	})

	const secret = "integration-secret"

	router := server.NewRouter(server.NewHandler(authoritative, testLogger(t)),
		server.RouterConfig{JWTSecret: secret})

	token, err := server.GenerateToken("user-1", secret, time.Hour)
	require.NoError(t, err)

	srv := httptest.NewServer(router)

	local, a := newDevice(t, srv.URL, token)

	itemID, err := local.RecordLocalMutation(ctx, "employees", "emp-1", wire.OpCreate,
		json.RawMessage(`{"staff_no":"S-001","first_name":"Amina","last_name":"Yusuf"}`))
	require.NoError(t, err)

	// Simulate the outage: close the listener, trigger a cycle, reopen.
	srv.CloseClientConnections()
	srv.Close()

	require.Error(t, a.SyncNow(ctx))
	assert.Equal(t, StateError, a.State())

	pending, err := local.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// Back online: a fresh listener over the same authoritative store. The
	// durable queue carries the edit across.
	srv2 := httptest.NewServer(router)
	defer srv2.Close()

	a2 := New(local, Config{
		ServerURL: srv2.URL,
		Tokens:    staticTokens(token),
		Logger:    testLogger(t),
	})

	require.NoError(t, a2.SyncNow(ctx))

	item, err := local.ItemByID(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSynced, item.Status)

	pending, err = local.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	row, err := authoritative.BusinessRow(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "Amina", row["first_name"])
}

// Two devices converge: an edit made on one shows up in the other's mirror
// after each has completed a cycle, exactly once.
func TestTwoDeviceConvergence(t *testing.T) {
	ctx := context.Background()

	srv, authoritative, token := newSyncServer(t)

	localA, agentA := newDevice(t, srv.URL, token)
	localB, agentB := newDevice(t, srv.URL, token)

	_, err := localA.RecordLocalMutation(ctx, "employees", "emp-1", wire.OpCreate,
		json.RawMessage(`{"staff_no":"S-001","first_name":"Amina","last_name":"Yusuf"}`))
	require.NoError(t, err)

	require.NoError(t, agentA.SyncNow(ctx))

	row, err := authoritative.BusinessRow(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "Amina", row["first_name"])

	require.NoError(t, agentB.SyncNow(ctx))

	mirrored, err := localB.MirrorRow(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "Amina", mirrored["first_name"])
	assert.Equal(t, "S-001", mirrored["staff_no"])

	// B edits the same record; A picks it up on its next cycle. Timestamps
	// carry millisecond resolution and the delta window is strictly greater
	// than the cursor, so the edit must land in a later millisecond than A's
	// stored cursor.
	time.Sleep(2 * time.Millisecond)

	_, err = localB.RecordLocalMutation(ctx, "employees", "emp-1", wire.OpUpdate,
		json.RawMessage(`{"phone":"0700000002"}`))
	require.NoError(t, err)

	require.NoError(t, agentB.SyncNow(ctx))
	require.NoError(t, agentA.SyncNow(ctx))

	onA, err := localA.MirrorRow(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "0700000002", onA["phone"])
	assert.Equal(t, "Amina", onA["first_name"])
}

// A stale cursor pulls every change made since it, nothing older.
func TestDeltaWindowFromStoredCursor(t *testing.T) {
	ctx := context.Background()

	srv, authoritative, token := newSyncServer(t)

	require.NoError(t, authoritative.ApplyItem(ctx, wire.QueueItem{
		ID: "seed-1", Table: "employees", RecordID: "emp-9", Operation: wire.OpCreate,
		Payload: json.RawMessage(`{"first_name":"Okello"}`),
	}, "seed-device"))

	local, a := newDevice(t, srv.URL, token)

	// The device last synced before the seed row was written.
	require.NoError(t, local.SetCursor(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, a.SyncNow(ctx))

	row, err := local.MirrorRow(ctx, "employees", "emp-9")
	require.NoError(t, err)
	assert.Equal(t, "Okello", row["first_name"])

	// The cursor now reflects this cycle's server timestamp.
	cursor, err := local.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.After(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}
