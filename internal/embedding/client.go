// Package embedding provides the client for the remote vision-embedding
// service.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result holds one embedding per input image, in input order. The pooled
// vectors are present only when the service was asked for them.
type Result struct {
	Vectors    [][]float32
	PooledRows [][]float32
	PooledCols [][]float32
}

// Embedder defines the interface for page-image embedding.
type Embedder interface {
	// EmbedImages embeds a batch of page images, returning one entry per
	// input image in the same order.
	EmbedImages(ctx context.Context, images [][]byte) (*Result, error)
	Model() string
	Dimension() int
}

// Client calls the vision-embedding HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	withPooled bool
}

// Config holds embedding client configuration.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Dimension     int
	RequestPooled bool
	Timeout       time.Duration
}

// NewClient creates a new embedding client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	if cfg.Model == "" {
		cfg.Model = "vidore/colqwen2-v1.0"
	}

	if cfg.Dimension <= 0 {
		cfg.Dimension = 128
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		withPooled: cfg.RequestPooled,
	}, nil
}

// embedRequest is the wire request for batch embedding.
type embedRequest struct {
	Model      string   `json:"model"`
	Images     []string `json:"images"` // base64-encoded
	WithPooled bool     `json:"with_pooled,omitempty"`
}

// embedResponse is the wire response.
type embedResponse struct {
	Vectors    [][]float32 `json:"vectors"`
	PooledRows [][]float32 `json:"pooled_rows,omitempty"`
	PooledCols [][]float32 `json:"pooled_cols,omitempty"`
	Error      *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// EmbedImages embeds a batch of page images via the remote service.
func (c *Client) EmbedImages(ctx context.Context, images [][]byte) (*Result, error) {
	if len(images) == 0 {
		return &Result{}, nil
	}

	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = base64.StdEncoding.EncodeToString(img)
	}

	reqBody := embedRequest{
		Model:      c.model,
		Images:     encoded,
		WithPooled: c.withPooled,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embed", bytes.NewReader(jsonBody))
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
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embedResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("embedding API error: %s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("embedding API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var embResp embedResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if len(embResp.Vectors) != len(images) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d images, got %d vectors",
			len(images), len(embResp.Vectors))
	}

	return &Result{
		Vectors:    embResp.Vectors,
		PooledRows: embResp.PooledRows,
		PooledCols: embResp.PooledCols,
	}, nil
}

// CancelJob asks the embedding service to abort queued work for a job.
// Best-effort; the service may not track jobs at all.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	body, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/cancel", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send cancel request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cancel rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Model returns the model being used.
func (c *Client) Model() string {
	return c.model
}

// Dimension returns the embedding dimension.
func (c *Client) Dimension() int {
	return c.dimension
}

var _ Embedder = (*Client)(nil)
