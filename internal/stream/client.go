// Package stream owns the push side of the cascade backend: one
// server-sent-events connection at a time, translated into typed LiveEvents.
// It never reconnects by itself; the owner decides when to dial again.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/provana/cascata/internal/api"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. The client must not enforce a
// request timeout; the stream is long-lived.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger used for absorbed transport noise.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client dials the cascade event stream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a stream client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// conn is one open stream connection. Close is idempotent and safe to call
// from any goroutine; it cancels the read loop immediately.
type conn struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (c *conn) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// Connect opens the event stream and starts delivering events to onEvent.
// Malformed frames and heartbeat sentinels are dropped without notice.
// When the transport fails or the server closes the stream, onDown is called
// once with the cause; it is also called with a nil error after a local
// Close. Connect itself only fails on dial/handshake problems.
func (c *Client) Connect(ctx context.Context, onEvent func(api.LiveEvent), onDown func(error)) (io.Closer, error) {
	readCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, c.baseURL+"/cascade/stream", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream dial failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	cn := &conn{cancel: cancel}
	go c.readLoop(readCtx, resp.Body, onEvent, onDown)
	return cn, nil
}

func (c *Client) readLoop(ctx context.Context, body io.ReadCloser, onEvent func(api.LiveEvent), onDown func(error)) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Report payloads inside events can be large.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var evt api.LiveEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			// Transport noise must not reach the consumer.
			c.logger.Debug("dropping malformed stream frame", slog.String("error", err.Error()))
			continue
		}

		if evt.Type == "heartbeat" {
			continue
		}

		onEvent(evt)
	}

	err := scanner.Err()
	if ctx.Err() != nil {
		// Locally closed; not a transport failure.
		err = nil
	}
	onDown(err)
}
