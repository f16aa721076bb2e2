// Package httptransport implements the batch sync exchange over HTTP JSON:
// a client for the coordinator side and a reference server handler with
// per-operation idempotency.
package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/protocol"
	"github.com/virtuenet/coachsync/transport"
)

// Limits defines size and compression limits for the HTTP client.
type Limits struct {
	MaxBodyBytes         int64 // Maximum response body size in bytes
	MaxDecompressedBytes int64 // Maximum decompressed response size
	EnableGzip           bool  // Whether to gzip request bodies
	GzipMinBytes         int   // Minimum body size before gzip kicks in
}

// Client sends batch sync requests to a remote endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	headers map[string]string
}

var _ transport.Transport = (*Client)(nil)

// ClientOption configures a Client using the functional options pattern.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) ClientOption {
	return func(c *Client) { c.limits = l }
}

// WithHeader adds a header to every request (e.g. an auth token supplied
// by the surrounding app).
func WithHeader(key, val string) ClientOption {
	return func(c *Client) { c.headers[key] = val }
}

// NewClient creates an HTTP batch sync client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes:         8 << 20,  // 8MB
			MaxDecompressedBytes: 64 << 20, // 64MB
			EnableGzip:           true,
			GzipMinBytes:         1024, // 1KB
		},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendBatch posts the batch to the sync endpoint and decodes the response.
// Connection failures and 5xx/429 statuses classify as transient; other
// 4xx statuses as validation failures; undecodable bodies as serialization
// failures.
func (c *Client) SendBatch(ctx context.Context, req *protocol.BatchSyncRequest) (*protocol.BatchSyncResponse, error) {
	body, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, syncErrors.NewTransientError(syncErrors.OpSendBatch, err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, syncErrors.NewTransientError(syncErrors.OpSendBatch, err)
	}
	defer resp.Body.Close()

	respBody, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, syncErrors.NewTransientError(syncErrors.OpSendBatch,
			fmt.Errorf("server returned %d: %s", resp.StatusCode, truncate(respBody, 256)))
	default:
		return nil, syncErrors.NewValidationError(syncErrors.OpSendBatch,
			fmt.Errorf("server rejected batch with %d: %s", resp.StatusCode, truncate(respBody, 256)))
	}

	return protocol.DecodeResponse(respBody)
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	var reader io.Reader = bytes.NewReader(body)
	gzipped := false

	if c.limits.EnableGzip && len(body) >= c.limits.GzipMinBytes {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		reader = &buf
		gzipped = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/batch", reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	limit := c.limits.MaxBodyBytes

	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, syncErrors.NewSerializationError(syncErrors.OpSendBatch, err)
		}
		defer zr.Close()
		reader = zr
		limit = c.limits.MaxDecompressedBytes
	}

	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, syncErrors.NewTransientError(syncErrors.OpSendBatch, err)
	}
	if int64(len(body)) > limit {
		return nil, syncErrors.NewValidationError(syncErrors.OpSendBatch,
			fmt.Errorf("response body exceeds %d byte limit", limit))
	}
	return body, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
