// Package api is the request/response side of the cascade backend: trigger
// calls and point-in-time snapshots (progress, report, read models). It
// holds no state; the stream side lives in internal/stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client is an HTTP client for the cascade backend's snapshot endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a snapshot client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// TriggerCascade starts a new cascade run. The backend answers 409 if a
// cascade is already running; that surfaces as a StatusError.
func (c *Client) TriggerCascade(ctx context.Context, req *TriggerRequest) (*TriggerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cascade/trigger", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var result TriggerResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, nil
}

// GetProgress pulls the current progress snapshot.
func (c *Client) GetProgress(ctx context.Context) (*CascadeProgress, error) {
	var result CascadeProgress
	if err := c.get(ctx, "/cascade/progress", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetReport fetches the final cascade report as an opaque blob.
func (c *Client) GetReport(ctx context.Context) (Report, error) {
	var result json.RawMessage
	if err := c.get(ctx, "/cascade/report", &result); err != nil {
		return nil, err
	}
	return Report(result), nil
}

// ListCatalogue fetches the product catalogue read model.
func (c *Client) ListCatalogue(ctx context.Context) ([]Product, error) {
	var result []Product
	if err := c.get(ctx, "/catalogue", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListSuppliers fetches the supplier read model.
func (c *Client) ListSuppliers(ctx context.Context) ([]Supplier, error) {
	var result []Supplier
	if err := c.get(ctx, "/suppliers", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListAgents fetches the agent directory read model.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var result []AgentInfo
	if err := c.get(ctx, "/agents", &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
