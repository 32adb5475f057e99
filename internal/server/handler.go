package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sakgroup/staffsync/internal/wire"
)

// maxBatchBody caps a sync batch request body at 10 MiB.
const maxBatchBody = 10 << 20

// maxDeviceIDLen bounds the client-supplied device id.
const maxDeviceIDLen = 100

// Handler serves the sync endpoint over the authoritative store.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a sync endpoint handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RouterConfig holds the options for NewRouter.
type RouterConfig struct {
	JWTSecret      string
	RateLimitRPS   float64 // 0 disables rate limiting
	RateLimitBurst int
}

// NewRouter mounts the sync endpoint with its middleware chain.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck // best-effort health body
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTAuth(cfg.JWTSecret))

		if cfg.RateLimitRPS > 0 {
			r.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		}

		r.Post("/sync", h.HandleSync)
	})

	return r
}

// HandleSync processes one device batch: registers the device, records and
// applies each item (rejections are per-item, never batch-fatal), computes
// the delta since the caller's cursor, and returns both outcomes.
//
// The response timestamp is captured before the delta queries run. A row
// modified while the queries execute then lands after the returned cursor,
// so the next cycle re-delivers rather than skips it. Re-delivery is safe
// (idempotent upsert); skipping would be silent data loss.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := UserIDFromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)

	var req wire.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		writeJSONError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.DeviceID == "" || len(req.DeviceID) > maxDeviceIDLen {
		writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	since, err := wire.ParseTime(req.LastSyncAt)
	if err != nil && req.LastSyncAt != "" {
		writeJSONError(w, http.StatusBadRequest, "invalid lastSyncAt timestamp")
		return
	}

	platform := headerOrDefault(r, "X-Platform", "unknown")
	deviceName := headerOrDefault(r, "X-Device-Name", "Unknown Device")

	if err := h.store.UpsertDevice(ctx, req.DeviceID, userID, platform, deviceName); err != nil {
		h.logger.Error("device upsert failed", "device_id", req.DeviceID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")

		return
	}

	accepted := []string{}
	rejected := []wire.Rejection{}

	for _, item := range req.Items {
		if err := h.store.ApplyItem(ctx, item, req.DeviceID); err != nil {
			rejected = append(rejected, wire.Rejection{ID: item.ID, Reason: err.Error()})
			continue
		}

		accepted = append(accepted, item.ID)
	}

	// Captured before the delta queries; see the doc comment above.
	serverTimestamp := time.Now()

	updates, err := h.store.ChangedSince(ctx, since)
	if err != nil {
		h.logger.Error("delta query failed", "device_id", req.DeviceID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")

		return
	}

	h.logger.Info("sync batch processed",
		slog.String("device_id", req.DeviceID),
		slog.String("user_id", userID),
		slog.Int("accepted", len(accepted)),
		slog.Int("rejected", len(rejected)),
	)

	writeJSON(w, http.StatusOK, wire.BatchResponse{
		ServerTimestamp: wire.FormatTime(serverTimestamp),
		Accepted:        accepted,
		Rejected:        rejected,
		ServerUpdates:   updates,
	})
}

func headerOrDefault(r *http.Request, key, fallback string) string {
	if v := r.Header.Get(key); v != "" {
		return v
	}

	return fallback
}
