// Package marketcache is a Go client for the marketcache-server HTTP API.
package marketcache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketcache: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsBusy reports whether err is a 409, returned while an acquisition holds
// the key.
func IsBusy(err error) bool { return hasStatus(err, http.StatusConflict) }

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client provides a Go SDK for interacting with the marketcache-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no timeout; event streams last as long as the
	// operation.
	streamClient *http.Client
}

// NewClient creates a new marketcache API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
}

// ---------------------------------------------------------------------------
// Cached bars
// ---------------------------------------------------------------------------

// Load returns cached bars in [start, end). Zero bounds are open.
func (c *Client) Load(ctx context.Context, symbol, timeframe string, start, end time.Time) (*Series, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339Nano))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339Nano))
	}
	var s Series
	if err := c.do(ctx, http.MethodGet, barsPath(symbol, timeframe), q, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save merges bars into the cached series.
func (c *Client) Save(ctx context.Context, symbol, timeframe string, bars []Bar) error {
	body := struct {
		Bars []Bar `json:"bars"`
	}{Bars: bars}
	return c.do(ctx, http.MethodPut, barsPath(symbol, timeframe), nil, body, nil)
}

// Range returns the extent of the cached series.
func (c *Client) Range(ctx context.Context, symbol, timeframe string) (*Range, error) {
	var r Range
	if err := c.do(ctx, http.MethodGet, barsPath(symbol, timeframe)+"/range", nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Delete removes the cached series.
func (c *Client) Delete(ctx context.Context, symbol, timeframe string) error {
	return c.do(ctx, http.MethodDelete, barsPath(symbol, timeframe), nil, nil, nil)
}

// Keys lists the cached series.
func (c *Client) Keys(ctx context.Context) ([]Key, error) {
	var resp struct {
		Keys []Key `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// ---------------------------------------------------------------------------
// Acquisitions
// ---------------------------------------------------------------------------

// Acquire starts an acquisition and returns its operation ID.
func (c *Client) Acquire(ctx context.Context, req AcquireRequest) (string, error) {
	body := map[string]string{
		"symbol":    req.Symbol,
		"timeframe": req.Timeframe,
		"mode":      req.Mode,
	}
	if !req.Start.IsZero() {
		body["start"] = req.Start.UTC().Format(time.RFC3339Nano)
	}
	if !req.End.IsZero() {
		body["end"] = req.End.UTC().Format(time.RFC3339Nano)
	}
	var resp struct {
		OperationID string `json:"operation_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/acquisitions", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.OperationID, nil
}

// Operation returns the status of an acquisition.
func (c *Client) Operation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := c.do(ctx, http.MethodGet, "/api/v1/acquisitions/"+url.PathEscape(id), nil, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Operations lists known acquisitions, newest first.
func (c *Client) Operations(ctx context.Context) ([]Operation, error) {
	var resp struct {
		Operations []Operation `json:"operations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/acquisitions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// Cancel requests cancellation and returns the status at that moment.
func (c *Client) Cancel(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := c.do(ctx, http.MethodDelete, "/api/v1/acquisitions/"+url.PathEscape(id), nil, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Watch streams progress events for an operation, calling fn for each
// one. It returns nil when the server ends the stream.
func (c *Client) Watch(ctx context.Context, id string, fn func(Progress)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/acquisitions/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			if event == "end" {
				return nil
			}
		case strings.HasPrefix(line, "data: ") && event == "progress":
			var p Progress
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p); err != nil {
				return fmt.Errorf("decoding progress event: %w", err)
			}
			fn(p)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// Wait polls until the operation is terminal.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.Operation(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health fetches /healthz. An unhealthy server yields the report together
// with an *APIError.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &h)
	if err != nil && !hasStatus(err, http.StatusServiceUnavailable) {
		return nil, err
	}
	return &h, err
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func barsPath(symbol, timeframe string) string {
	return "/api/v1/bars/" + url.PathEscape(symbol) + "/" + url.PathEscape(timeframe)
}

// do sends a JSON request and decodes a JSON response into out. out may be
// nil. For 503 the body is still decoded into out when possible.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil && path == "/healthz" {
			data, _ := io.ReadAll(resp.Body)
			_ = json.Unmarshal(data, out)
			return &APIError{StatusCode: resp.StatusCode, Message: "unhealthy"}
		}
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
