package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakgroup/staffsync/internal/wire"
)

const userAgent = "staffsync/0.1"

// maxErrorBody caps how much of an error response body is kept for diagnostics.
const maxErrorBody = 4096

// TokenSource provides bearer tokens for the sync endpoint. Token issuance
// and refresh belong to the host application's auth layer; the sync engine
// only attaches whatever the source returns.
type TokenSource interface {
	Token() (string, error)
}

// Client posts sync batches to the server. It makes exactly one attempt per
// call: a failed cycle is retried by the agent's scheduler from the same
// cursor, so in-client retry would only delay surfacing the failure.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// Optional headers sent with every push so the server can label the
	// device registry entry.
	platform   string
	deviceName string
}

// NewClient creates a sync API client. baseURL is the server root, e.g.
// "https://staff.example.org". httpClient may carry a transport-level
// timeout; nil falls back to http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// SetDeviceInfo sets the X-Platform and X-Device-Name headers sent with
// every batch.
func (c *Client) SetDeviceInfo(platform, deviceName string) {
	c.platform = platform
	c.deviceName = deviceName
}

// Sync posts one batch and decodes the reconciliation response. The context
// bounds the whole round trip; callers pass a deadline so a hung connection
// fails the cycle instead of wedging the agent.
func (c *Client) Sync(ctx context.Context, req *wire.BatchRequest) (*wire.BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("api: encode batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	if c.platform != "" {
		httpReq.Header.Set("X-Platform", c.platform)
	}

	if c.deviceName != "" {
		httpReq.Header.Set("X-Device-Name", c.deviceName)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("api: get token: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+tok)

	c.logger.Debug("posting sync batch",
		slog.String("device_id", req.DeviceID),
		slog.Int("items", len(req.Items)),
		slog.String("last_sync_at", req.LastSyncAt),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api: POST /sync: %w", err)
	}
	defer resp.Body.Close()

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(msg)),
			Err:        sentinel,
		}
	}

	var batch wire.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("api: decode response: %w", err)
	}

	c.logger.Debug("sync batch reply",
		slog.Int("accepted", len(batch.Accepted)),
		slog.Int("rejected", len(batch.Rejected)),
		slog.String("server_timestamp", batch.ServerTimestamp),
	)

	return &batch, nil
}
