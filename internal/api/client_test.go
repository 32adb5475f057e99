package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakgroup/staffsync/internal/wire"
)

type staticTokens string

func (s staticTokens) Token() (string, error) { return string(s), nil }

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestSync(t *testing.T) {
	t.Run("posts batch with auth and device headers", func(t *testing.T) {
		var got *http.Request
		var gotBody wire.BatchRequest

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Clone(context.Background())
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

			json.NewEncoder(w).Encode(wire.BatchResponse{ //nolint:errcheck // test server
				ServerTimestamp: "2024-06-01T00:00:00.000Z",
				Accepted:        []string{"item-1"},
				Rejected:        []wire.Rejection{},
				ServerUpdates:   map[string][]wire.Row{},
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, nil, staticTokens("tok-123"), testLogger(t))
		client.SetDeviceInfo("desktop", "Front Office PC")

		resp, err := client.Sync(context.Background(), &wire.BatchRequest{
			DeviceID:   "dev-1",
			LastSyncAt: "2024-01-01T00:00:00.000Z",
			Items: []wire.QueueItem{{
				ID: "item-1", Table: "employees", RecordID: "emp-1",
				Operation: wire.OpCreate, Payload: json.RawMessage(`{"first_name":"Amina"}`),
			}},
		})
		require.NoError(t, err)

		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "/sync", got.URL.Path)
		assert.Equal(t, "Bearer tok-123", got.Header.Get("Authorization"))
		assert.Equal(t, "desktop", got.Header.Get("X-Platform"))
		assert.Equal(t, "Front Office PC", got.Header.Get("X-Device-Name"))
		assert.Equal(t, "dev-1", gotBody.DeviceID)
		require.Len(t, gotBody.Items, 1)
		assert.Equal(t, "item-1", gotBody.Items[0].ID)

		assert.Equal(t, []string{"item-1"}, resp.Accepted)
		assert.Equal(t, "2024-06-01T00:00:00.000Z", resp.ServerTimestamp)
	})

	t.Run("classifies 401", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad token", http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, nil, staticTokens("expired"), testLogger(t))

		_, err := client.Sync(context.Background(), &wire.BatchRequest{DeviceID: "dev-1"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnauthorized)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, "bad token", apiErr.Message)
	})

	t.Run("classifies 500", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, nil, staticTokens("tok"), testLogger(t))

		_, err := client.Sync(context.Background(), &wire.BatchRequest{DeviceID: "dev-1"})
		assert.ErrorIs(t, err, ErrServerError)
	})

	t.Run("classifies 429", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, nil, staticTokens("tok"), testLogger(t))

		_, err := client.Sync(context.Background(), &wire.BatchRequest{DeviceID: "dev-1"})
		assert.ErrorIs(t, err, ErrThrottled)
	})

	t.Run("respects context deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		client := NewClient(srv.URL, nil, staticTokens("tok"), testLogger(t))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := client.Sync(ctx, &wire.BatchRequest{DeviceID: "dev-1"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("token source failure aborts before any request", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			called = true
		}))
		defer srv.Close()

		client := NewClient(srv.URL, nil, failingTokens{}, testLogger(t))

		_, err := client.Sync(context.Background(), &wire.BatchRequest{DeviceID: "dev-1"})
		assert.ErrorContains(t, err, "get token")
		assert.False(t, called)
	})
}

type failingTokens struct{}

func (failingTokens) Token() (string, error) {
	return "", assert.AnError
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(http.StatusOK))
	assert.NoError(t, classifyStatus(http.StatusNoContent))
	assert.ErrorIs(t, classifyStatus(http.StatusBadRequest), ErrBadRequest)
	assert.ErrorIs(t, classifyStatus(http.StatusForbidden), ErrForbidden)
	assert.ErrorIs(t, classifyStatus(http.StatusNotFound), ErrNotFound)
	assert.ErrorIs(t, classifyStatus(http.StatusBadGateway), ErrServerError)
	assert.Error(t, classifyStatus(http.StatusTeapot))
}
