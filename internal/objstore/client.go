package objstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the object-storage HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Config holds object-storage client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a new object-storage client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}, nil
}

type storeImageDTO struct {
	ID         string `json:"id"`
	Data       string `json:"data"` // base64-encoded
	Filename   string `json:"filename"`
	PageNumber int    `json:"page_number"`
}

type storeBatchRequest struct {
	JobID   string          `json:"job_id"`
	FileID  string          `json:"file_id"`
	Format  string          `json:"format"`
	Quality int             `json:"quality"`
	Images  []storeImageDTO `json:"images"`
}

type storeBatchResponse struct {
	URLs  map[string]string `json:"urls"`
	Error string            `json:"error,omitempty"`
}

// StoreImagesBatch uploads a batch of page images. Every input id must
// come back with a URL or the batch is failed.
func (c *Client) StoreImagesBatch(ctx context.Context, req StoreRequest) (map[string]string, error) {
	if len(req.IDs) != len(req.Images) {
		return nil, fmt.Errorf("id/image count mismatch: %d vs %d", len(req.IDs), len(req.Images))
	}

	wire := storeBatchRequest{
		JobID:   req.JobID,
		FileID:  req.FileID,
		Format:  req.Format,
		Quality: req.Quality,
		Images:  make([]storeImageDTO, len(req.IDs)),
	}
	for i, id := range req.IDs {
		dto := storeImageDTO{
			ID:   id,
			Data: base64.StdEncoding.EncodeToString(req.Images[i]),
		}
		if i < len(req.Filenames) {
			dto.Filename = req.Filenames[i]
		}
		if i < len(req.PageNumbers) {
			dto.PageNumber = req.PageNumbers[i]
		}
		wire.Images[i] = dto
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/images/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store batch failed: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var batchResp storeBatchResponse
	if err := json.Unmarshal(respBody, &batchResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	for _, id := range req.IDs {
		if batchResp.URLs[id] == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingURL, id)
		}
	}
	return batchResp.URLs, nil
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

// DeleteByJob removes every image a job wrote.
func (c *Client) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	path := fmt.Sprintf("/jobs/%s/images", url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("delete failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var dr deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return 0, fmt.Errorf("decode delete response: %w", err)
	}
	return dr.Deleted, nil
}

// CancelJob asks the storage service to drop queued writes for a job.
// Best-effort.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	path := fmt.Sprintf("/jobs/%s/cancel", url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}
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

var _ ImageStore = (*Client)(nil)
