// Package syncclient is the HTTP client orderctl uses to talk to syncd:
// push, pull, snapshot, and the SSE event stream.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/ordersync/internal/sse"
	"github.com/marcus/ordersync/internal/wire"
)

// TransportError wraps a failure to reach syncd at all (DNS, connection
// refused, timeout) — retryable with backoff per the sync error taxonomy.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError signals syncd responded but with something the client
// cannot parse as a valid sync payload (malformed JSON, unexpected status).
// Treated as a TransportError for backoff purposes but logged louder.
type ProtocolError struct{ Err error }

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// Client is the HTTP client bound to one syncd base URL.
type Client struct {
	BaseURL  string
	DeviceID string
	HTTP     *http.Client
}

// New creates a Client with a sensible request timeout.
func New(baseURL, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Push sends a batch of operations and returns syncd's per-operation verdicts.
func (c *Client) Push(ctx context.Context, ops []wire.Operation) (*wire.PushResponse, error) {
	var resp wire.PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/push", wire.PushRequest{Operations: ops}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches change log entries strictly after since, capped at limit.
func (c *Client) Pull(ctx context.Context, since int64, limit int) (*wire.PullResponse, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(since, 10))
	params.Set("limit", strconv.Itoa(limit))

	var resp wire.PullResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/pull?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSnapshot downloads the full reference + entity state for bootstrap.
func (c *Client) GetSnapshot(ctx context.Context) (*wire.SnapshotResponse, error) {
	var resp wire.SnapshotResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/snapshot", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenEventStream subscribes to syncd's SSE change notifications.
func (c *Client) OpenEventStream(ctx context.Context) (*sse.Reader, error) {
	return sse.Open(ctx, c.HTTP, c.BaseURL+"/v1/sync/events")
}

// Ping checks syncd reachability via /healthz.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// apiError is the standard error body syncd returns.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode >= 500 {
		return &TransportError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("syncd rejected request: %w", &apiErr)
		}
		return &ProtocolError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &ProtocolError{Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}
	return nil
}

// IsTransportFailure reports whether err should be retried with backoff
// rather than treated as a terminal rejection of the operation.
func IsTransportFailure(err error) bool {
	var t *TransportError
	var p *ProtocolError
	return errors.As(err, &t) || errors.As(err, &p)
}
