package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the vector database over its REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string
}

// Config holds vector DB client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewClient creates a new vector DB client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
	}, nil
}

type upsertRequest struct {
	Points []Point `json:"points"`
}

type jobFilterRequest struct {
	Filter struct {
		JobID string `json:"job_id"`
	} `json:"filter"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

// Upsert inserts or replaces points in the collection.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	body, err := json.Marshal(upsertRequest{Points: points})
	if err != nil {
		return fmt.Errorf("marshal points: %w", err)
	}

	path := fmt.Sprintf("/collections/%s/points", url.PathEscape(c.collection))
	resp, err := c.do(ctx, "PUT", path, body)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return c.statusError("upsert", resp)
	}
	return nil
}

// DeleteByJob removes every point written by a job.
func (c *Client) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	var req jobFilterRequest
	req.Filter.JobID = jobID

	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal filter: %w", err)
	}

	path := fmt.Sprintf("/collections/%s/points/delete", url.PathEscape(c.collection))
	resp, err := c.do(ctx, "POST", path, body)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, c.statusError("delete", resp)
	}

	var dr deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return 0, fmt.Errorf("decode delete response: %w", err)
	}
	return dr.Deleted, nil
}

// CountByJob returns the number of points a job has written.
func (c *Client) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var req jobFilterRequest
	req.Filter.JobID = jobID

	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal filter: %w", err)
	}

	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(c.collection))
	resp, err := c.do(ctx, "POST", path, body)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, c.statusError("count", resp)
	}

	var cr countResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return cr.Count, nil
}

// Close releases resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("vector DB %s failed: status %d, body: %s", op, resp.StatusCode, string(body))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

var _ Index = (*Client)(nil)
