package mcpserver

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
)

// Config holds the configuration for connecting to the mulewatch API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for a fronting proxy
}

// Client is a pure HTTP client for the mulewatch API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, body: string(respBody)}
		_ = json.Unmarshal(respBody, apiErr)
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// ListRiskRecords returns flagged accounts, highest score first.
func (c *Client) ListRiskRecords(ctx context.Context, level string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/risk-records", q, nil)
}

// GetRiskRecord returns the record of one flagged account.
func (c *Client) GetRiskRecord(ctx context.Context, account string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/risk-records/"+url.PathEscape(account), nil, nil)
}

// GetFeatures returns the current graph features of an account.
func (c *Client) GetFeatures(ctx context.Context, account string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(account)+"/features", nil, nil)
}

// ListTransactions returns retained transactions, most recent first.
func (c *Client) ListTransactions(ctx context.Context, account string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if account != "" {
		q.Set("account", account)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions", q, nil)
}

// SubmitTransaction submits one transfer and returns the engine's ack.
func (c *Client) SubmitTransaction(ctx context.Context, sender, receiver, amount string, timestamp int64) (json.RawMessage, error) {
	body := map[string]any{
		"sender":   sender,
		"receiver": receiver,
		"amount":   amount,
	}
	if timestamp > 0 {
		body["timestamp"] = timestamp
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions", nil, body)
}

// GetStats returns the dashboard summary.
func (c *Client) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil)
}
